package session

import (
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/channel"
	"github.com/loqalabs/loqa-scribe/internal/credentials"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseReady
	PhaseCapturing
	PhaseDisconnected
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseReady:
		return "ready"
	case PhaseCapturing:
		return "capturing"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the aggregate state reported to readers.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusRecording    Status = "recording"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// DevicePolicy decides what a failed device acquisition does to a connect
// attempt.
type DevicePolicy string

const (
	// DeviceFatal fails the attempt.
	DeviceFatal DevicePolicy = "fatal"
	// DeviceDegrade reaches Ready without a device; capture stays unavailable
	// but results still flow.
	DeviceDegrade DevicePolicy = "degrade"
)

// State is everything the transition function needs. Values are treated as
// immutable: Step returns a modified copy.
type State struct {
	Phase       Phase
	Attempt     uint64
	Channels    map[channel.Kind]channel.State
	opened      map[channel.Kind]bool
	DeviceReady bool
	Err         error
}

func (s State) clone() State {
	out := s
	out.Channels = make(map[channel.Kind]channel.State, len(s.Channels))
	for k, v := range s.Channels {
		out.Channels[k] = v
	}
	out.opened = make(map[channel.Kind]bool, len(s.opened))
	for k, v := range s.opened {
		out.opened[k] = v
	}
	return out
}

// Status derives the aggregate status. While Ready or Capturing it reports
// the worst state among the attempt's channels.
func (s State) Status() Status {
	switch s.Phase {
	case PhaseIdle:
		return StatusIdle
	case PhaseConnecting:
		return StatusConnecting
	case PhaseDisconnected:
		return StatusDisconnected
	case PhaseError:
		return StatusError
	}
	worst := channel.StateConnected
	for _, st := range s.Channels {
		if severity(st) > severity(worst) {
			worst = st
		}
	}
	switch worst {
	case channel.StateError:
		return StatusError
	case channel.StateDisconnected:
		return StatusDisconnected
	case channel.StateConnecting:
		return StatusConnecting
	}
	if s.Phase == PhaseCapturing {
		return StatusRecording
	}
	return StatusConnected
}

func severity(st channel.State) int {
	switch st {
	case channel.StateConnected:
		return 0
	case channel.StateConnecting:
		return 1
	case channel.StateDisconnected:
		return 2
	default:
		return 3
	}
}

// Input is an event consumed by Machine.Step.
type Input interface{ input() }

type (
	Connect struct{}

	CredentialsResolved struct {
		Attempt uint64
		Grant   credentials.Grant
		Err     error
	}

	ChannelOpened struct {
		Attempt uint64
		Kind    channel.Kind
		Err     error
	}

	DeviceAcquired struct {
		Attempt uint64
		Device  capture.Device
		Err     error
	}

	ChannelStateChanged struct {
		Attempt uint64
		Kind    channel.Kind
		State   channel.State
		Err     error
	}

	ChannelClosed struct {
		Attempt uint64
		Kind    channel.Kind
		Reason  string
	}

	// DeviceFailed reports that a held device stopped working.
	DeviceFailed struct {
		Attempt uint64
		Err     error
	}

	StartCapture struct{}
	StopCapture  struct{}
	Teardown     struct{}
)

func (Connect) input()             {}
func (CredentialsResolved) input() {}
func (ChannelOpened) input()       {}
func (DeviceAcquired) input()      {}
func (ChannelStateChanged) input() {}
func (ChannelClosed) input()       {}
func (DeviceFailed) input()        {}
func (StartCapture) input()        {}
func (StopCapture) input()         {}
func (Teardown) input()            {}

// Effect is a side effect the orchestrator performs after a transition.
type Effect interface{ effect() }

type (
	// BeginAttempt starts attempt Attempt and fetches its credentials.
	BeginAttempt struct{ Attempt uint64 }

	OpenChannel struct {
		Attempt uint64
		Kind    channel.Kind
		Grant   credentials.Grant
	}

	AcquireDevice struct{ Attempt uint64 }

	// AdoptDevice stores a freshly acquired device for the current attempt.
	AdoptDevice struct{ Device capture.Device }

	// DiscardDevice releases a device that arrived for an abandoned attempt.
	DiscardDevice struct{ Device capture.Device }

	// ReleaseDevice closes the held device and stops the level loop.
	ReleaseDevice struct{}

	// EnterReady sends the language config and starts the level loop.
	EnterReady struct{}

	// BeginCapture resets the transcript, unmutes the device and resends the
	// language config.
	BeginCapture struct{}

	// EndCapture mutes the device. Channels stay open.
	EndCapture struct{}

	// Release abandons the attempt and releases the device and channels.
	Release struct{ Reason string }

	// Reject fails the requesting operation without a state change.
	Reject struct{ Err error }
)

func (BeginAttempt) effect()  {}
func (OpenChannel) effect()   {}
func (AcquireDevice) effect() {}
func (AdoptDevice) effect()   {}
func (DiscardDevice) effect() {}
func (ReleaseDevice) effect() {}
func (EnterReady) effect()    {}
func (BeginCapture) effect()  {}
func (EndCapture) effect()    {}
func (Release) effect()       {}
func (Reject) effect()        {}

// Machine is the session transition function. Step performs no I/O.
type Machine struct {
	Strategy Strategy
	Policy   DevicePolicy
}

func (m Machine) Step(s State, in Input) (State, []Effect) {
	switch in := in.(type) {
	case Connect:
		return m.connect(s)
	case CredentialsResolved:
		return m.credentialsResolved(s, in)
	case ChannelOpened:
		return m.channelOpened(s, in)
	case DeviceAcquired:
		return m.deviceAcquired(s, in)
	case ChannelStateChanged:
		return m.channelStateChanged(s, in)
	case ChannelClosed:
		return m.channelClosed(s, in)
	case DeviceFailed:
		return m.deviceFailed(s, in)
	case StartCapture:
		return m.startCapture(s)
	case StopCapture:
		return m.stopCapture(s)
	case Teardown:
		return m.teardown(s)
	}
	return s, nil
}

func (m Machine) connect(s State) (State, []Effect) {
	switch s.Phase {
	case PhaseConnecting, PhaseReady, PhaseCapturing:
		return s, nil
	}
	next := s.clone()
	next.Phase = PhaseConnecting
	next.Attempt++
	next.Err = nil
	next.DeviceReady = false
	next.Channels = make(map[channel.Kind]channel.State)
	next.opened = make(map[channel.Kind]bool)
	for _, kind := range m.Strategy.Required() {
		next.Channels[kind] = channel.StateDisconnected
	}
	return next, []Effect{BeginAttempt{Attempt: next.Attempt}}
}

// current reports whether an async completion belongs to the attempt that is
// still connecting.
func current(s State, attempt uint64) bool {
	return s.Phase == PhaseConnecting && s.Attempt == attempt
}

func (m Machine) fail(s State, err error) (State, []Effect) {
	next := s.clone()
	next.Phase = PhaseError
	next.Err = err
	next.DeviceReady = false
	return next, []Effect{Release{Reason: err.Error()}}
}

func (m Machine) credentialsResolved(s State, in CredentialsResolved) (State, []Effect) {
	if !current(s, in.Attempt) {
		return s, nil
	}
	if in.Err != nil {
		return m.fail(s, &CredentialError{Err: in.Err})
	}
	next := s.clone()
	effects := make([]Effect, 0, len(m.Strategy.Required()))
	for _, kind := range m.Strategy.Required() {
		next.Channels[kind] = channel.StateConnecting
		effects = append(effects, OpenChannel{Attempt: s.Attempt, Kind: kind, Grant: in.Grant})
	}
	return next, effects
}

func (m Machine) channelOpened(s State, in ChannelOpened) (State, []Effect) {
	if !current(s, in.Attempt) {
		return s, nil
	}
	if in.Err != nil {
		failed, effects := m.fail(s, &ChannelOpenError{Kind: in.Kind, Err: in.Err})
		failed.Channels[in.Kind] = channel.StateError
		return failed, effects
	}
	next := s.clone()
	next.Channels[in.Kind] = channel.StateConnected
	next.opened[in.Kind] = true
	for _, kind := range m.Strategy.Required() {
		if !next.opened[kind] {
			return next, nil
		}
	}
	return next, []Effect{AcquireDevice{Attempt: s.Attempt}}
}

func (m Machine) deviceAcquired(s State, in DeviceAcquired) (State, []Effect) {
	if !current(s, in.Attempt) {
		if in.Device != nil {
			return s, []Effect{DiscardDevice{Device: in.Device}}
		}
		return s, nil
	}
	if in.Err != nil || in.Device == nil {
		err := in.Err
		if err == nil {
			err = ErrNoDevice
		}
		if m.Policy != DeviceDegrade {
			return m.fail(s, &DeviceError{Err: err})
		}
		next := s.clone()
		next.Phase = PhaseReady
		next.DeviceReady = false
		next.Err = &DeviceError{Err: err}
		return next, []Effect{EnterReady{}}
	}
	next := s.clone()
	next.Phase = PhaseReady
	next.DeviceReady = true
	return next, []Effect{AdoptDevice{Device: in.Device}, EnterReady{}}
}

func (m Machine) channelStateChanged(s State, in ChannelStateChanged) (State, []Effect) {
	if s.Attempt != in.Attempt || !contains(m.Strategy.Required(), in.Kind) {
		return s, nil
	}
	switch s.Phase {
	case PhaseConnecting:
		// connect progress is driven by ChannelOpened; only failures count here
		if in.State != channel.StateError || !s.opened[in.Kind] {
			return s, nil
		}
		failed, effects := m.fail(s, &ChannelRuntimeError{Kind: in.Kind, Err: in.Err})
		failed.Channels[in.Kind] = channel.StateError
		return failed, effects
	case PhaseReady, PhaseCapturing:
		if in.State == channel.StateError {
			return m.drop(s, in.Kind, channel.StateError, &ChannelRuntimeError{Kind: in.Kind, Err: in.Err})
		}
		next := s.clone()
		next.Channels[in.Kind] = in.State
		return next, nil
	}
	return s, nil
}

func (m Machine) channelClosed(s State, in ChannelClosed) (State, []Effect) {
	if s.Attempt != in.Attempt || !contains(m.Strategy.Required(), in.Kind) {
		return s, nil
	}
	cause := &ChannelRuntimeError{Kind: in.Kind, Reason: in.Reason}
	switch s.Phase {
	case PhaseConnecting:
		failed, effects := m.fail(s, cause)
		failed.Channels[in.Kind] = channel.StateDisconnected
		return failed, effects
	case PhaseReady, PhaseCapturing:
		return m.drop(s, in.Kind, channel.StateDisconnected, cause)
	}
	return s, nil
}

// drop moves an established session to Disconnected after a channel it
// depends on went away.
func (m Machine) drop(s State, kind channel.Kind, st channel.State, cause error) (State, []Effect) {
	next := s.clone()
	next.Phase = PhaseDisconnected
	next.Channels[kind] = st
	next.DeviceReady = false
	next.Err = cause
	var effects []Effect
	if s.Phase == PhaseCapturing {
		effects = append(effects, EndCapture{})
	}
	return next, append(effects, Release{Reason: cause.Error()})
}

func (m Machine) deviceFailed(s State, in DeviceFailed) (State, []Effect) {
	if s.Attempt != in.Attempt || !s.DeviceReady {
		return s, nil
	}
	switch s.Phase {
	case PhaseReady, PhaseCapturing:
	default:
		return s, nil
	}
	cause := &DeviceError{Err: in.Err}
	if m.Policy != DeviceDegrade {
		next, effects := m.fail(s, cause)
		if s.Phase == PhaseCapturing {
			effects = append([]Effect{EndCapture{}}, effects...)
		}
		return next, effects
	}
	next := s.clone()
	next.Phase = PhaseReady
	next.DeviceReady = false
	next.Err = cause
	var effects []Effect
	if s.Phase == PhaseCapturing {
		effects = append(effects, EndCapture{})
	}
	return next, append(effects, ReleaseDevice{})
}

func (m Machine) startCapture(s State) (State, []Effect) {
	if s.Phase != PhaseReady {
		return s, []Effect{Reject{Err: ErrNotReady}}
	}
	if !s.DeviceReady {
		return s, []Effect{Reject{Err: ErrNoDevice}}
	}
	next := s.clone()
	next.Phase = PhaseCapturing
	return next, []Effect{BeginCapture{}}
}

func (m Machine) stopCapture(s State) (State, []Effect) {
	if s.Phase != PhaseCapturing {
		return s, nil
	}
	next := s.clone()
	next.Phase = PhaseReady
	return next, []Effect{EndCapture{}}
}

func (m Machine) teardown(s State) (State, []Effect) {
	if s.Phase == PhaseDisconnected {
		return s, nil
	}
	next := s.clone()
	next.Phase = PhaseDisconnected
	next.DeviceReady = false
	next.Err = nil
	for kind := range next.Channels {
		next.Channels[kind] = channel.StateDisconnected
	}
	var effects []Effect
	if s.Phase == PhaseCapturing {
		effects = append(effects, EndCapture{})
	}
	return next, append(effects, Release{Reason: "teardown"})
}
