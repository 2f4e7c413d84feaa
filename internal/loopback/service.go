package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

const recognizeTimeout = 45 * time.Second

// Service answers the audio a room publishes on the relay with transcripts on
// the room's data subject, the way a recognition backend would.
type Service struct {
	cfg        config.LoopbackConfig
	bus        *bus.Client
	recognizer Recognizer
	log        *slog.Logger

	mu    sync.Mutex
	rooms map[string]*roomState

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  atomic.Bool
}

type roomState struct {
	utterance    string
	started      time.Time
	buffer       []byte
	sampleRate   int
	channels     int
	language     string
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
}

func NewService(parent context.Context, cfg config.LoopbackConfig, client *bus.Client, recognizer Recognizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        client,
		recognizer: recognizer,
		log:        log.With(slog.String("component", "loopback")),
		rooms:      make(map[string]*roomState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	frames, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	control, err := s.bus.Conn().Subscribe(protocol.ControlSubject("*"), s.handleControl)
	if err != nil {
		_ = frames.Unsubscribe()
		return fmt.Errorf("subscribe control: %w", err)
	}
	s.subs = []*nats.Subscription{frames, control}
	if err := s.bus.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.ready.Store(true)
	s.log.Info("loopback recognizer listening", slog.String("recognizer", s.mode()))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
	s.ready.Store(false)
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.ready.Load() && s.bus.Healthy())
}

func (s *Service) mode() string {
	if s.cfg.Recognizer == "" {
		return "mock"
	}
	return s.cfg.Recognizer
}

// room returns the state for a room and whether it was just created. Callers
// hold s.mu.
func (s *Service) room(name string) (*roomState, bool) {
	st := s.rooms[name]
	if st != nil {
		return st, false
	}
	st = &roomState{utterance: uuid.NewString()}
	s.rooms[name] = st
	return st, true
}

func (s *Service) handleControl(msg *nats.Msg) {
	room := strings.TrimSuffix(strings.TrimPrefix(msg.Subject, "room."), ".control")
	var cfg protocol.Config
	if err := json.Unmarshal(msg.Data, &cfg); err != nil || cfg.Type != protocol.TypeConfig {
		return
	}
	s.mu.Lock()
	st, created := s.room(room)
	st.language = cfg.Language
	s.mu.Unlock()

	if created {
		s.announce(room)
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	room := frame.SessionID
	if room == "" {
		room = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}

	s.mu.Lock()
	st, created := s.room(room)
	if len(st.buffer) == 0 {
		st.started = time.Now()
	}
	st.buffer = append(st.buffer, frame.PCM...)
	st.sampleRate = frame.SampleRate
	st.channels = frame.Channels
	buffered := pcmDuration(len(st.buffer), st.sampleRate, st.channels)
	s.mu.Unlock()

	if created {
		s.announce(room)
	}

	if frame.Final || buffered >= time.Duration(s.cfg.SegmentMS)*time.Millisecond {
		s.schedule(room, true)
		return
	}
	if s.partialDue(room) {
		s.schedule(room, false)
	}
}

func (s *Service) partialDue(room string) bool {
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.rooms[room]
	if st == nil || st.inflight {
		return false
	}
	if st.lastPartial.IsZero() {
		st.lastPartial = st.started
	}
	return time.Since(st.lastPartial) >= interval
}

// schedule runs one recognition pass for the room's current utterance. A final
// pass hands the buffer off and starts a new utterance; a final requested while
// another pass is running is deferred until it completes.
func (s *Service) schedule(room string, final bool) {
	s.mu.Lock()
	st := s.rooms[room]
	if st == nil || len(st.buffer) == 0 {
		s.mu.Unlock()
		return
	}
	if st.inflight {
		if final {
			st.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	req := Request{
		PCM:        append([]byte(nil), st.buffer...),
		SampleRate: st.sampleRate,
		Channels:   st.channels,
		Language:   st.language,
		Final:      final,
	}
	id, started := st.utterance, st.started
	if final {
		st.buffer = nil
		st.utterance = uuid.NewString()
		st.lastPartial = time.Time{}
		st.pendingFinal = false
	}
	st.inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, recognizeTimeout)
		defer cancel()

		begin := time.Now()
		result, err := s.recognizer.Transcribe(ctx, req)
		if err != nil {
			s.log.Warn("loopback recognition failed", slog.String("room", room), slogError(err))
		} else {
			s.publishTranscript(room, id, result, final, started, time.Since(begin))
		}

		s.mu.Lock()
		var pending bool
		if st := s.rooms[room]; st != nil {
			st.inflight = false
			pending = st.pendingFinal
			if !final {
				st.lastPartial = time.Now()
			}
		}
		s.mu.Unlock()

		if pending && s.ctx.Err() == nil {
			s.schedule(room, true)
		}
	}()
}

func (s *Service) announce(room string) {
	s.publish(room, protocol.NewStatusMessage("loopback-"+s.mode(), true))
}

func (s *Service) publishTranscript(room, id string, result Result, final bool, started time.Time, turnaround time.Duration) {
	if result.Text == "" {
		return
	}
	msg := protocol.NewTranscriptMessage(id, result.Text, final, started)
	if final {
		confidence := result.Confidence
		msg.Confidence = &confidence
	}
	ms := turnaround.Milliseconds()
	msg.TurnaroundMS = &ms
	s.publish(room, msg)
}

func (s *Service) publish(room string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Warn("failed to encode loopback message", slogError(err))
		return
	}
	if err := s.bus.Publish(protocol.DataSubject(room), data); err != nil {
		s.log.Warn("failed to publish loopback message", slog.String("room", room), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
