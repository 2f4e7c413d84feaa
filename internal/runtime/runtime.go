package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/channel"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/credentials"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/loopback"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/status"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	relay       *natsserver.EmbeddedServer
	loopbackBus *bus.Client
	loopback    *loopback.Service
	archive     *eventstore.Store
	status      *status.Publisher
	recorder    *recorder
	session     *session.Orchestrator
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startSession(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	registerAPI(mux, r.session, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("transport", r.cfg.Session.Transport))

	if r.cfg.Session.AutoConnect {
		if err := r.session.Connect(); err != nil {
			r.logger.Warn("auto connect failed", slog.String("error", err.Error()))
		}
	}

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// startSession brings up the embedded relay, archive and status fan-out, then
// starts the orchestrator.
func (r *Runtime) startSession(ctx context.Context) error {
	cfg := r.cfg
	usesRelay := cfg.Session.Transport != string(session.ModeDirect) || cfg.Loopback.Enabled
	if usesRelay && cfg.Relay.Embedded {
		srv, err := natsserver.Start(cfg.Relay, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded relay: %w", err)
		}
		r.relay = srv
		cfg.Relay.Servers = []string{srv.ClientURL()}
	}
	if cfg.Loopback.Enabled {
		if err := r.startLoopback(ctx, cfg); err != nil {
			return err
		}
	}

	archive, err := eventstore.Open(ctx, cfg.Archive, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	r.archive = archive

	publisher, err := status.NewPublisher(ctx, cfg.Status, r.logger)
	if err != nil {
		// status fan-out is optional; the session runs without it
		r.logger.Warn("status publisher unavailable", slog.String("error", err.Error()))
	}
	r.status = publisher
	r.recorder = newRecorder(archive, publisher, r.logger)

	orch, err := buildOrchestrator(ctx, cfg, r.recorder, r.logger)
	if err != nil {
		return err
	}
	orch.Start()
	r.session = orch
	return nil
}

func (r *Runtime) startLoopback(ctx context.Context, cfg config.Config) error {
	recognizer, err := loopback.NewRecognizer(cfg.Loopback)
	if err != nil {
		return err
	}
	client, err := bus.Connect(ctx, cfg.Relay, bus.Credentials{}, bus.Handlers{}, r.logger.With(slog.String("component", "loopback")))
	if err != nil {
		return fmt.Errorf("failed to connect loopback to relay: %w", err)
	}
	r.loopbackBus = client
	r.loopback = loopback.NewService(ctx, cfg.Loopback, client, recognizer, r.logger)
	if err := r.loopback.Start(); err != nil {
		return fmt.Errorf("failed to start loopback recognizer: %w", err)
	}
	return nil
}

// buildOrchestrator assembles the session from configuration. rec may be nil.
func buildOrchestrator(ctx context.Context, cfg config.Config, rec *recorder, logger *slog.Logger) (*session.Orchestrator, error) {
	strategy, err := session.StrategyFor(cfg.Session.Transport)
	if err != nil {
		return nil, err
	}

	source, err := capture.NewSource(cfg.Capture, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture source: %w", err)
	}

	var creds credentials.Source
	if cfg.Credentials.Endpoint != "" {
		creds = credentials.NewHTTPSource(cfg.Credentials, nil)
	} else {
		creds = credentials.Static{RoomName: cfg.Credentials.RoomName, Identity: cfg.Credentials.ParticipantName}
	}

	format := channel.AudioFormat{SampleRate: cfg.Capture.SampleRate, Channels: cfg.Capture.Channels}
	factories := map[channel.Kind]channel.Factory{
		channel.KindResult: func() channel.Channel {
			return channel.NewWebSocket(cfg.ResultChannel, logger)
		},
		channel.KindSession: func() channel.Channel {
			return channel.NewRelay(cfg.Relay, format, logger)
		},
	}

	opts := session.Options{
		Strategy:      strategy,
		Policy:        session.DevicePolicy(cfg.Session.DeviceFailure),
		Language:      cfg.Session.Language,
		LevelInterval: time.Duration(cfg.Session.LevelIntervalMS) * time.Millisecond,
		Credentials:   creds,
		Channels:      factories,
		Capture:       source,
	}
	if rec != nil {
		opts.OnChange = rec.snapshot
		opts.OnSegment = rec.segment
	}
	return session.NewOrchestrator(ctx, opts, logger)
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.session != nil {
		r.session.Close()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.loopback != nil {
		r.loopback.Close()
	}
	r.loopbackBus.Close()
	if err := r.status.Close(); err != nil {
		r.logger.Warn("status publisher close error", slog.String("error", err.Error()))
	}
	if r.archive != nil {
		if err := r.archive.Close(); err != nil {
			r.logger.Warn("archive close error", slog.String("error", err.Error()))
		}
	}
	r.relay.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.session != nil && r.session.Healthy() && (r.loopback == nil || r.loopback.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
