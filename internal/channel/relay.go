package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/credentials"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// AudioFormat describes the PCM the relay publishes.
type AudioFormat struct {
	SampleRate int
	Channels   int
}

// Relay is the session channel. It joins a room on the NATS relay, publishes
// audio frames and control messages, and surfaces the room's data subject as
// message events.
type Relay struct {
	*emitter

	cfg    config.RelayConfig
	format AudioFormat
	log    *slog.Logger

	mu     sync.Mutex
	client *bus.Client
	sub    *nats.Subscription
	room   string
	seq    int
}

func NewRelay(cfg config.RelayConfig, format AudioFormat, log *slog.Logger) *Relay {
	return &Relay{
		emitter: newEmitter(),
		cfg:     cfg,
		format:  format,
		log:     log.With(slog.String("channel", string(KindSession))),
	}
}

func (r *Relay) Kind() Kind { return KindSession }

func (r *Relay) Open(ctx context.Context, grant credentials.Grant) error {
	if r.isClosed() {
		return ErrClosed
	}
	if grant.RoomName == "" {
		return fmt.Errorf("relay grant has no room")
	}
	r.emit(Event{Type: EventState, State: StateConnecting})

	connectCtx, cancel := r.withClose(ctx)
	defer cancel()

	client, err := bus.Connect(connectCtx, r.cfg,
		bus.Credentials{URL: grant.RelayURL, Token: grant.Token},
		bus.Handlers{
			Disconnected: func(err error) {
				if err != nil {
					r.log.Warn("relay disconnected", slog.String("error", err.Error()))
				}
				r.emit(Event{Type: EventState, State: StateConnecting})
			},
			Reconnected: func() {
				r.emit(Event{Type: EventState, State: StateConnected})
			},
			Closed: func() {
				if r.isClosed() {
					return
				}
				r.emit(Event{Type: EventState, State: StateDisconnected})
				r.emit(Event{Type: EventClose, Reason: "relay connection closed"})
			},
		},
		r.log)
	if err != nil {
		if r.isClosed() {
			return ErrClosed
		}
		r.emit(Event{Type: EventState, State: StateError})
		return err
	}

	sub, err := client.Subscribe(protocol.DataSubject(grant.RoomName), func(data []byte) {
		r.emit(Event{Type: EventMessage, Data: data})
	})
	if err == nil {
		err = client.Flush()
	}
	if err != nil {
		client.Close()
		if r.isClosed() {
			return ErrClosed
		}
		r.emit(Event{Type: EventState, State: StateError})
		return err
	}

	r.mu.Lock()
	if r.isClosed() {
		r.mu.Unlock()
		client.Close()
		return ErrClosed
	}
	r.client = client
	r.sub = sub
	r.room = grant.RoomName
	r.mu.Unlock()

	r.log.Info("joined relay room", slog.String("room", grant.RoomName))
	r.emit(Event{Type: EventOpen})
	r.emit(Event{Type: EventState, State: StateConnected})
	return nil
}

// Send publishes audio chunks as frames on the room's audio subject and any
// other payload as JSON on its control subject.
func (r *Relay) Send(payload any) error {
	if r.isClosed() {
		return ErrClosed
	}
	r.mu.Lock()
	client, room := r.client, r.room
	var subject string
	switch p := payload.(type) {
	case protocol.AudioChunk:
		payload = protocol.AudioFrame{
			SessionID:  room,
			Sequence:   r.seq,
			SampleRate: r.format.SampleRate,
			Channels:   r.format.Channels,
			PCM:        p.PCM(),
		}
		r.seq++
		subject = protocol.AudioSubject(room)
	default:
		subject = protocol.ControlSubject(room)
	}
	r.mu.Unlock()

	if client == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := client.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (r *Relay) Close(reason string) error {
	r.mu.Lock()
	if !r.markClosed() {
		r.mu.Unlock()
		return nil
	}
	client, sub := r.client, r.sub
	r.client, r.sub = nil, nil
	r.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if client != nil {
		r.log.Info("leaving relay room", slog.String("reason", reason))
		client.Close()
	}
	return nil
}
