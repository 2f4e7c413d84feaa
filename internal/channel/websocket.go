package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/credentials"
)

// WebSocket is the result channel: JSON text frames in both directions.
type WebSocket struct {
	*emitter

	url          string
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	log          *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex
}

func NewWebSocket(cfg config.ResultChannelConfig, log *slog.Logger) *WebSocket {
	writeTimeout := time.Duration(cfg.WriteTimeoutMS) * time.Millisecond
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	return &WebSocket{
		emitter: newEmitter(),
		url:     cfg.URL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMS) * time.Millisecond,
		},
		writeTimeout: writeTimeout,
		log:          log.With(slog.String("channel", string(KindResult))),
	}
}

func (w *WebSocket) Kind() Kind { return KindResult }

func (w *WebSocket) Open(ctx context.Context, grant credentials.Grant) error {
	if w.isClosed() {
		return ErrClosed
	}
	w.emit(Event{Type: EventState, State: StateConnecting})

	dialCtx, cancel := w.withClose(ctx)
	defer cancel()

	header := http.Header{}
	if grant.Token != "" {
		header.Set("Authorization", "Bearer "+grant.Token)
	}
	conn, _, err := w.dialer.DialContext(dialCtx, w.url, header)
	if err != nil {
		if w.isClosed() {
			return ErrClosed
		}
		w.emit(Event{Type: EventState, State: StateError})
		return fmt.Errorf("dial %s: %w", w.url, err)
	}

	w.mu.Lock()
	if w.isClosed() {
		w.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	w.conn = conn
	w.mu.Unlock()

	w.log.Info("result channel connected", slog.String("url", w.url))
	w.emit(Event{Type: EventOpen})
	w.emit(Event{Type: EventState, State: StateConnected})

	go w.readLoop(conn)
	return nil
}

func (w *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if w.isClosed() {
				return
			}
			reason := "connection lost"
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				reason = ce.Text
				if reason == "" {
					reason = fmt.Sprintf("closed with code %d", ce.Code)
				}
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.Warn("result channel read failed", slog.String("error", err.Error()))
				w.emit(Event{Type: EventError, Err: err})
				w.emit(Event{Type: EventState, State: StateError})
			} else {
				w.emit(Event{Type: EventState, State: StateDisconnected})
			}
			w.emit(Event{Type: EventClose, Reason: reason})
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		w.emit(Event{Type: EventMessage, Data: data})
	}
}

// Send marshals payload as JSON and writes it as one text frame.
func (w *WebSocket) Send(payload any) error {
	if w.isClosed() {
		return ErrClosed
	}
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close sends a close frame when connected and releases the connection. A
// pending Open is cancelled.
func (w *WebSocket) Close(reason string) error {
	w.mu.Lock()
	if !w.markClosed() {
		w.mu.Unlock()
		return nil
	}
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()

	if conn == nil {
		return nil
	}
	w.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
	w.writeMu.Unlock()
	w.log.Info("result channel closed", slog.String("reason", reason))
	return conn.Close()
}
