package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// controller is the part of the orchestrator the HTTP API drives.
type controller interface {
	Connect() error
	StartCapture() error
	StopCapture() error
	Teardown() error
	Snapshot() session.Snapshot
	Segments() []transcript.Segment
	Latency() (time.Duration, bool)
	Text() string
	Level() float64
}

type transcriptResponse struct {
	SessionID string               `json:"session_id"`
	Segments  []transcript.Segment `json:"segments"`
	Text      string               `json:"text"`
	LatencyMS *int64               `json:"latency_ms,omitempty"`
	Level     float64              `json:"level"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func registerAPI(mux *http.ServeMux, ctl controller, logger *slog.Logger) {
	mux.HandleFunc("GET /v1/session", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, ctl.Snapshot())
	})
	mux.HandleFunc("GET /v1/transcript", func(w http.ResponseWriter, _ *http.Request) {
		resp := transcriptResponse{
			SessionID: ctl.Snapshot().SessionID,
			Segments:  ctl.Segments(),
			Text:      ctl.Text(),
			Level:     ctl.Level(),
		}
		if resp.Segments == nil {
			resp.Segments = []transcript.Segment{}
		}
		if d, ok := ctl.Latency(); ok {
			ms := d.Milliseconds()
			resp.LatencyMS = &ms
		}
		writeJSON(w, http.StatusOK, resp)
	})

	command := func(name string, fn func() error) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			if err := fn(); err != nil {
				code := http.StatusConflict
				if errors.Is(err, session.ErrStopped) {
					code = http.StatusServiceUnavailable
				}
				logger.Info("command rejected", slog.String("command", name), slog.String("error", err.Error()))
				writeJSON(w, code, errorResponse{Error: err.Error()})
				return
			}
			writeJSON(w, http.StatusAccepted, ctl.Snapshot())
		}
	}
	mux.HandleFunc("POST /v1/connect", command("connect", ctl.Connect))
	mux.HandleFunc("POST /v1/capture/start", command("capture_start", ctl.StartCapture))
	mux.HandleFunc("POST /v1/capture/stop", command("capture_stop", ctl.StopCapture))
	mux.HandleFunc("POST /v1/teardown", command("teardown", ctl.Teardown))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
