// Package channel provides the two bidirectional transports a session can use:
// a WebSocket result channel and a NATS relay session channel.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/credentials"
)

type Kind string

const (
	KindSession Kind = "session"
	KindResult  Kind = "result"
)

// State is the connection state of one channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

type EventType string

const (
	EventOpen    EventType = "open"
	EventMessage EventType = "message"
	EventState   EventType = "state"
	EventClose   EventType = "close"
	EventError   EventType = "error"
)

// Event is delivered on Channel.Events. Data is set for message events,
// State for state events, Reason for close events and Err for error events.
type Event struct {
	Type   EventType
	Data   []byte
	State  State
	Reason string
	Err    error
}

var (
	// ErrClosed is returned by operations on a channel that was closed,
	// including an Open that was still pending when Close was called.
	ErrClosed       = errors.New("channel closed")
	ErrNotConnected = errors.New("channel not connected")
)

// Channel is one transport connection. Close is idempotent and may be called
// while Open is still pending.
type Channel interface {
	Kind() Kind
	Open(ctx context.Context, grant credentials.Grant) error
	Close(reason string) error
	Send(payload any) error
	Events() <-chan Event
}

// Factory builds a fresh, unopened channel. Each connect attempt gets its own
// instance.
type Factory func() Channel

const eventBuffer = 64

// emitter is the event plumbing shared by the adapters. After close, emit
// becomes a no-op so nothing blocks on an abandoned consumer.
type emitter struct {
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
}

func newEmitter() *emitter {
	return &emitter{
		events: make(chan Event, eventBuffer),
		closed: make(chan struct{}),
	}
}

func (e *emitter) emit(ev Event) {
	select {
	case <-e.closed:
		return
	default:
	}
	select {
	case e.events <- ev:
	case <-e.closed:
	}
}

func (e *emitter) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// markClosed reports whether this call performed the close.
func (e *emitter) markClosed() bool {
	first := false
	e.closeOnce.Do(func() {
		close(e.closed)
		first = true
	})
	return first
}

func (e *emitter) Events() <-chan Event { return e.events }

// withClose returns a context cancelled when either ctx ends or the channel
// is closed.
func (e *emitter) withClose(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-e.closed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
