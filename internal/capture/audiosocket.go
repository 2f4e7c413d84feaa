package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// audioSocketSource takes audio from an Asterisk AudioSocket call. Acquire
// listens on cfg.Listen and blocks until one call connects.
type audioSocketSource struct {
	cfg config.CaptureConfig
	log *slog.Logger

	mu   sync.Mutex
	addr net.Addr
}

// Addr is the bound listen address while an Acquire is waiting.
func (a *audioSocketSource) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

func (a *audioSocketSource) Acquire(ctx context.Context) (Device, error) {
	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", a.cfg.Listen, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()
	a.log.Info("waiting for audiosocket call", slog.String("addr", ln.Addr().String()))

	type accepted struct {
		conn net.Conn
		err  error
	}
	done := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		done <- accepted{conn: conn, err: err}
	}()

	var conn net.Conn
	select {
	case <-ctx.Done():
		ln.Close()
		if r := <-done; r.conn != nil {
			r.conn.Close()
		}
		return nil, ctx.Err()
	case r := <-done:
		ln.Close()
		if r.err != nil {
			return nil, fmt.Errorf("accept audiosocket call: %w", r.err)
		}
		conn = r.conn
	}

	id, err := audiosocket.GetID(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read call id: %w", err)
	}
	log := a.log.With(slog.String("call_id", id.String()))
	log.Info("audiosocket call connected", slog.String("remote", conn.RemoteAddr().String()))

	st := newStream(conn.Close)
	go func() {
		for {
			msg, err := audiosocket.NextMessage(conn)
			if err != nil {
				select {
				case <-st.done:
				default:
					if !errors.Is(err, io.EOF) {
						log.Warn("audiosocket read failed", slog.String("error", err.Error()))
					}
				}
				return
			}
			switch msg.Kind() {
			case audiosocket.KindSlin:
				if payload := msg.Payload(); len(payload) > 0 {
					st.push(payload)
				}
			case audiosocket.KindHangup:
				log.Info("audiosocket call hung up")
				return
			case audiosocket.KindError:
				log.Warn("audiosocket error", slog.Int("code", int(msg.ErrorCode())))
			}
		}
	}()
	return st, nil
}
