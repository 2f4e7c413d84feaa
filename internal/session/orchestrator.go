// Package session runs the transcription session: connection lifecycle for
// the strategy's channels, capture start and stop, and routing of inbound
// results into the transcript.
//
// All state changes go through Machine.Step on a single goroutine. Async work
// (credential fetch, channel open, device acquisition, channel events) runs
// elsewhere and reports back as inputs on one queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/channel"
	"github.com/loqalabs/loqa-scribe/internal/credentials"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	Strategy      Strategy
	Policy        DevicePolicy
	Language      string
	LevelInterval time.Duration
	Credentials   credentials.Source
	Channels      map[channel.Kind]channel.Factory
	Capture       capture.Source
	Reconciler    *transcript.Reconciler

	// OnChange runs on the orchestrator goroutine after every applied input.
	OnChange func(Snapshot)
	// OnSegment receives each segment produced by an ingested transcript.
	OnSegment func(sessionID string, seg transcript.Segment)
}

// BackendStatus is the last readiness announcement from the recognizer.
type BackendStatus struct {
	Mode  string `json:"mode"`
	Ready bool   `json:"ready"`
}

// Snapshot is a read-only view of the session.
type Snapshot struct {
	SessionID   string                         `json:"session_id"`
	Status      Status                         `json:"status"`
	Phase       string                         `json:"phase"`
	Transport   Mode                           `json:"transport"`
	Channels    map[channel.Kind]channel.State `json:"channels"`
	Capturing   bool                           `json:"capturing"`
	DeviceReady bool                           `json:"device_ready"`
	StartedAt   *time.Time                     `json:"started_at,omitempty"`
	Backend     *BackendStatus                 `json:"backend,omitempty"`
	Error       string                         `json:"error,omitempty"`
	Notice      string                         `json:"notice,omitempty"`
	UpdatedAt   time.Time                      `json:"updated_at"`
}

type envelope struct {
	input Input
	msg   *inboundMessage
	reply chan error
}

type inboundMessage struct {
	attempt uint64
	kind    channel.Kind
	data    []byte
}

type Orchestrator struct {
	machine    Machine
	opts       Options
	reconciler *transcript.Reconciler
	metrics    *metrics
	logger     *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	inputs  chan envelope
	wg      sync.WaitGroup
	running atomic.Bool

	snapshot     atomic.Pointer[Snapshot]
	level        atomic.Uint64
	capturing    atomic.Bool
	startedNanos atomic.Int64

	// owned by the run goroutine
	state      State
	attempt    *Attempt
	span       trace.Span
	sessionID  string
	startedAt  time.Time
	channels   map[channel.Kind]channel.Channel
	device     capture.Device
	deviceStop chan struct{}
	levelStop  chan struct{}
	levelLive  *atomic.Bool
	backend    *BackendStatus
	notice     string
	lastStatus Status
	// inputs raised by effects, stepped before the snapshot is published
	followUps []Input
}

func NewOrchestrator(parent context.Context, opts Options, logger *slog.Logger) (*Orchestrator, error) {
	if opts.Strategy == nil {
		return nil, errors.New("session strategy is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("credential source is required")
	}
	if opts.Capture == nil {
		return nil, errors.New("capture source is required")
	}
	for _, kind := range opts.Strategy.Required() {
		if opts.Channels[kind] == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoChannel, kind)
		}
	}
	if opts.Policy == "" {
		opts.Policy = DeviceFatal
	}
	if opts.LevelInterval <= 0 {
		opts.LevelInterval = 50 * time.Millisecond
	}
	reconciler := opts.Reconciler
	if reconciler == nil {
		reconciler = transcript.NewReconciler()
	}

	ctx, cancel := context.WithCancel(parent)
	o := &Orchestrator{
		machine:    Machine{Strategy: opts.Strategy, Policy: opts.Policy},
		opts:       opts,
		reconciler: reconciler,
		logger:     logger.With(slog.String("component", "session"), slog.String("transport", string(opts.Strategy.Mode()))),
		ctx:        ctx,
		cancel:     cancel,
		inputs:     make(chan envelope, 256),
		channels:   make(map[channel.Kind]channel.Channel),
		sessionID:  uuid.NewString(),
		lastStatus: StatusIdle,
	}
	m, err := newMetrics(o.Level)
	if err != nil {
		o.logger.Warn("failed to initialize metrics", slogError(err))
	}
	o.metrics = m
	o.publish()
	return o, nil
}

func (o *Orchestrator) Start() {
	if !o.running.CompareAndSwap(false, true) {
		return
	}
	o.wg.Add(1)
	go o.run()
}

// Close tears the session down and stops the orchestrator goroutine.
func (o *Orchestrator) Close() {
	if o.running.Load() {
		_ = o.Teardown()
	}
	o.cancel()
	o.wg.Wait()
	o.running.Store(false)
}

func (o *Orchestrator) Healthy() bool {
	return o.running.Load() && o.ctx.Err() == nil
}

// Connect begins a connect attempt. It returns once the request is applied,
// not when the session is ready; it is a no-op while connecting or connected.
func (o *Orchestrator) Connect() error { return o.call(Connect{}) }

// StartCapture fails with ErrNotReady or ErrNoDevice unless the session is
// ready with a device.
func (o *Orchestrator) StartCapture() error { return o.call(StartCapture{}) }

func (o *Orchestrator) StopCapture() error { return o.call(StopCapture{}) }

// Teardown is safe in any state and idempotent.
func (o *Orchestrator) Teardown() error { return o.call(Teardown{}) }

func (o *Orchestrator) Snapshot() Snapshot {
	return *o.snapshot.Load()
}

func (o *Orchestrator) Segments() []transcript.Segment { return o.reconciler.Segments() }

func (o *Orchestrator) Latency() (time.Duration, bool) { return o.reconciler.Latency() }

func (o *Orchestrator) Text() string { return o.reconciler.Text() }

// Level is the last amplitude sampled by the level loop.
func (o *Orchestrator) Level() float64 {
	return math.Float64frombits(o.level.Load())
}

func (o *Orchestrator) call(in Input) error {
	if !o.running.Load() {
		return ErrStopped
	}
	reply := make(chan error, 1)
	select {
	case o.inputs <- envelope{input: in, reply: reply}:
	case <-o.ctx.Done():
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-o.ctx.Done():
		return ErrStopped
	}
}

// post queues an input from an async step and reports whether it was
// accepted.
func (o *Orchestrator) post(in Input) bool {
	select {
	case o.inputs <- envelope{input: in}:
		return true
	case <-o.ctx.Done():
		return false
	}
}

func (o *Orchestrator) run() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			o.release("shutdown")
			return
		case env := <-o.inputs:
			if env.msg != nil {
				o.handleMessage(*env.msg)
				o.publish()
				continue
			}
			err := o.apply(env.input)
			if env.reply != nil {
				env.reply <- err
			}
		}
	}
}

func (o *Orchestrator) apply(in Input) error {
	var rejected error
	queue := []Input{in}
	for len(queue) > 0 {
		next, effects := o.machine.Step(o.state, queue[0])
		queue = queue[1:]
		o.state = next
		for _, eff := range effects {
			if err := o.execute(eff); err != nil && rejected == nil {
				rejected = err
			}
		}
		queue = append(queue, o.followUps...)
		o.followUps = nil
	}
	o.publish()
	return rejected
}

func (o *Orchestrator) execute(eff Effect) error {
	switch e := eff.(type) {
	case BeginAttempt:
		o.beginAttempt(e.Attempt)
	case OpenChannel:
		o.openChannel(e)
	case AcquireDevice:
		o.acquireDevice()
	case AdoptDevice:
		o.adoptDevice(e.Device)
	case DiscardDevice:
		o.logger.Info("releasing device acquired for an abandoned attempt")
		if err := e.Device.Close(); err != nil {
			o.logger.Warn("failed to release device", slogError(err))
		}
	case ReleaseDevice:
		o.stopLevelLoop()
		o.releaseDevice()
	case EnterReady:
		o.enterReady()
	case BeginCapture:
		return o.beginCapture()
	case EndCapture:
		o.endCapture()
	case Release:
		o.release(e.Reason)
	case Reject:
		return e.Err
	}
	return nil
}

func (o *Orchestrator) beginAttempt(id uint64) {
	o.attempt.Abandon()
	att := newAttempt(o.ctx, id)
	o.attempt = att
	o.sessionID = uuid.NewString()
	o.backend = nil
	o.notice = ""

	ctx, span := o.metrics.startAttempt(att.Context(), id, o.opts.Strategy.Mode())
	o.span = span
	o.logger.Info("connecting", slog.Uint64("attempt", id), slog.String("session_id", o.sessionID))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		grant, err := o.opts.Credentials.Fetch(ctx)
		if !att.Wanted() {
			return
		}
		o.post(CredentialsResolved{Attempt: att.ID, Grant: grant, Err: err})
	}()
}

func (o *Orchestrator) openChannel(e OpenChannel) {
	att := o.attempt
	ch := o.opts.Channels[e.Kind]()
	// stored before Open so a teardown can close it while Open is pending
	o.channels[e.Kind] = ch

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := ch.Open(att.Context(), e.Grant)
		if !att.Wanted() {
			_ = ch.Close("connect abandoned")
			return
		}
		if !o.post(ChannelOpened{Attempt: att.ID, Kind: e.Kind, Err: err}) || err != nil {
			return
		}
		o.wg.Add(1)
		go o.pumpEvents(att, e.Kind, ch)
	}()
}

// pumpEvents forwards channel events to the queue until the attempt ends.
func (o *Orchestrator) pumpEvents(att *Attempt, kind channel.Kind, ch channel.Channel) {
	defer o.wg.Done()
	var lastErr error
	for {
		select {
		case <-att.Context().Done():
			return
		case ev := <-ch.Events():
			switch ev.Type {
			case channel.EventMessage:
				select {
				case o.inputs <- envelope{msg: &inboundMessage{attempt: att.ID, kind: kind, data: ev.Data}}:
				case <-att.Context().Done():
					return
				}
			case channel.EventError:
				lastErr = ev.Err
				o.logger.Warn("channel error", slog.String("channel", string(kind)), slogError(ev.Err))
			case channel.EventState:
				in := ChannelStateChanged{Attempt: att.ID, Kind: kind, State: ev.State}
				if ev.State == channel.StateError {
					in.Err = lastErr
				}
				o.post(in)
			case channel.EventClose:
				o.post(ChannelClosed{Attempt: att.ID, Kind: kind, Reason: ev.Reason})
			}
		}
	}
}

func (o *Orchestrator) acquireDevice() {
	att := o.attempt
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		dev, err := o.opts.Capture.Acquire(att.Context())
		if !att.Wanted() {
			if dev != nil {
				o.logger.Info("releasing device acquired after teardown")
				_ = dev.Close()
			}
			return
		}
		if !o.post(DeviceAcquired{Attempt: att.ID, Device: dev, Err: err}) && dev != nil {
			_ = dev.Close()
		}
	}()
}

func (o *Orchestrator) adoptDevice(dev capture.Device) {
	o.device = dev
	stop := make(chan struct{})
	o.deviceStop = stop
	egress := o.channels[o.opts.Strategy.AudioEgress()]
	o.wg.Add(1)
	go o.pumpFrames(o.attempt, dev, egress, stop)
}

// pumpFrames sends captured audio to the egress channel while capturing.
func (o *Orchestrator) pumpFrames(att *Attempt, dev capture.Device, egress channel.Channel, stop <-chan struct{}) {
	defer o.wg.Done()
	ctx := att.Context()
	frames := dev.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case f := <-frames:
			if !o.capturing.Load() || !att.Wanted() {
				continue
			}
			offset := f.At.Sub(time.Unix(0, o.startedNanos.Load()))
			chunk := protocol.NewAudioChunk(f.PCM, offset, o.opts.Language)
			if err := egress.Send(chunk); err != nil {
				o.logger.Debug("dropped audio chunk", slogError(err))
				continue
			}
			o.metrics.recordAudio(ctx, len(f.PCM))
		}
	}
}

func (o *Orchestrator) enterReady() {
	if o.span != nil {
		if o.state.Err != nil {
			o.span.RecordError(o.state.Err)
		}
		o.span.SetStatus(codes.Ok, "ready")
		o.span.End()
		o.span = nil
	}
	// results can arrive before the first capture; measure them from here
	o.reconciler.Reset(time.Now())
	o.sendConfig()
	if o.device != nil {
		o.startLevelLoop(o.attempt, o.device)
	}
	if o.state.Err != nil {
		o.logger.Warn("session ready without capture", slogError(o.state.Err))
		return
	}
	o.logger.Info("session ready", slog.String("session_id", o.sessionID))
}

// sendConfig announces the capture language on every open channel.
func (o *Orchestrator) sendConfig() {
	if o.opts.Language == "" {
		return
	}
	msg := protocol.NewConfig(o.opts.Language)
	for kind, ch := range o.channels {
		if err := ch.Send(msg); err != nil {
			o.logger.Warn("failed to send config", slog.String("channel", string(kind)), slogError(err))
		}
	}
}

func (o *Orchestrator) startLevelLoop(att *Attempt, dev capture.Device) {
	o.stopLevelLoop()
	stop := make(chan struct{})
	live := &atomic.Bool{}
	live.Store(true)
	o.levelStop = stop
	o.levelLive = live

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.opts.LevelInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			// a tick can already be pending when stop closes
			if !live.Load() || !att.Wanted() {
				return
			}
			o.level.Store(math.Float64bits(dev.Level()))
		}
	}()
}

func (o *Orchestrator) stopLevelLoop() {
	if o.levelStop == nil {
		return
	}
	o.levelLive.Store(false)
	close(o.levelStop)
	o.levelStop = nil
	o.levelLive = nil
	o.level.Store(0)
}

func (o *Orchestrator) beginCapture() error {
	if o.device == nil {
		return ErrNoDevice
	}
	now := time.Now()
	o.startedAt = now
	o.startedNanos.Store(now.UnixNano())
	o.reconciler.Reset(now)
	o.notice = ""

	if err := o.device.Start(); err != nil {
		o.followUps = append(o.followUps, DeviceFailed{Attempt: o.state.Attempt, Err: err})
		return &DeviceError{Err: err}
	}
	o.capturing.Store(true)
	o.sendConfig()
	o.logger.Info("capture started", slog.String("session_id", o.sessionID))
	return nil
}

func (o *Orchestrator) endCapture() {
	o.capturing.Store(false)
	if o.device != nil {
		if err := o.device.Stop(); err != nil {
			o.logger.Warn("failed to mute device", slogError(err))
		}
	}
	o.logger.Info("capture stopped", slog.String("session_id", o.sessionID))
}

func (o *Orchestrator) releaseDevice() {
	o.capturing.Store(false)
	if o.deviceStop != nil {
		close(o.deviceStop)
		o.deviceStop = nil
	}
	if o.device == nil {
		return
	}
	if err := o.device.Close(); err != nil {
		o.logger.Warn("failed to release device", slogError(err))
	}
	o.device = nil
}

// release abandons the current attempt and frees everything it holds. Every
// step is a no-op when already released.
func (o *Orchestrator) release(reason string) {
	o.attempt.Abandon()
	o.stopLevelLoop()
	o.releaseDevice()
	for kind, ch := range o.channels {
		if err := ch.Close(reason); err != nil {
			o.logger.Warn("failed to close channel", slog.String("channel", string(kind)), slogError(err))
		}
		delete(o.channels, kind)
	}
	if o.span != nil {
		o.span.SetStatus(codes.Error, reason)
		o.span.End()
		o.span = nil
	}
}

func (o *Orchestrator) handleMessage(m inboundMessage) {
	if o.attempt == nil || m.attempt != o.attempt.ID || !o.attempt.Wanted() {
		return
	}
	if !contains(o.opts.Strategy.ResultSources(), m.kind) {
		return
	}
	decoded, err := protocol.Decode(m.data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			o.logger.Debug("ignoring message", slog.String("channel", string(m.kind)), slogError(err))
			return
		}
		perr := &ProtocolError{Kind: m.kind, Err: err}
		o.logger.Warn("dropping malformed message", slogError(perr))
		return
	}

	switch msg := decoded.(type) {
	case protocol.Status:
		o.backend = &BackendStatus{Mode: msg.Mode, Ready: msg.Ready}
	case protocol.BackendError:
		berr := &BackendError{Kind: m.kind, Message: msg.Message}
		o.notice = msg.Message
		o.logger.Warn("backend reported error", slogError(berr))
	case protocol.Transcript:
		if o.state.Phase != PhaseReady && o.state.Phase != PhaseCapturing {
			return
		}
		o.ingest(m.kind, msg)
	}
}

func (o *Orchestrator) ingest(kind channel.Kind, msg protocol.Transcript) {
	segs, changed := o.reconciler.Apply(transcript.Event{
		ID:         msg.ID,
		Timestamp:  msg.Timestamp,
		Text:       msg.Text,
		Confidence: msg.Confidence,
		Speaker:    msg.Speaker,
		IsFinal:    msg.IsFinal,
		Turnaround: msg.Turnaround,
	})
	if msg.Timestamp != nil {
		o.metrics.recordLatency(o.ctx, transcript.Latency(time.Now(), *msg.Timestamp), string(kind))
	}
	if !changed {
		return
	}
	o.metrics.recordSegment(o.ctx, msg.IsFinal, string(kind))
	if o.opts.OnSegment != nil {
		o.opts.OnSegment(o.sessionID, segs[len(segs)-1])
	}
}

func (o *Orchestrator) publish() {
	s := o.state
	status := s.Status()
	snap := Snapshot{
		SessionID:   o.sessionID,
		Status:      status,
		Phase:       s.Phase.String(),
		Transport:   o.opts.Strategy.Mode(),
		Channels:    make(map[channel.Kind]channel.State, len(s.Channels)),
		Capturing:   s.Phase == PhaseCapturing,
		DeviceReady: s.DeviceReady,
		Notice:      o.notice,
		UpdatedAt:   time.Now().UTC(),
	}
	for k, v := range s.Channels {
		snap.Channels[k] = v
	}
	if snap.Capturing {
		started := o.startedAt
		snap.StartedAt = &started
	}
	if o.backend != nil {
		b := *o.backend
		snap.Backend = &b
	}
	if s.Err != nil {
		snap.Error = s.Err.Error()
	}
	o.snapshot.Store(&snap)

	if status != o.lastStatus {
		o.metrics.recordTransition(o.ctx, o.lastStatus, status)
		attrs := []any{slog.String("from", string(o.lastStatus)), slog.String("to", string(status))}
		if snap.Error != "" {
			attrs = append(attrs, slog.String("error", snap.Error))
		}
		o.logger.Info("session status changed", attrs...)
		o.lastStatus = status
	}
	if o.opts.OnChange != nil {
		o.opts.OnChange(snap)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
