package session

import (
	"errors"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/channel"
	"github.com/loqalabs/loqa-scribe/internal/credentials"
)

func hasEffect[T Effect](effects []Effect) bool {
	for _, e := range effects {
		if _, ok := e.(T); ok {
			return true
		}
	}
	return false
}

// readyState drives m to Ready through the normal connect sequence.
func readyState(t *testing.T, m Machine) State {
	t.Helper()
	s, _ := m.Step(State{}, Connect{})
	s, _ = m.Step(s, CredentialsResolved{Attempt: s.Attempt, Grant: credentials.Grant{Token: "t"}})
	for _, kind := range m.Strategy.Required() {
		s, _ = m.Step(s, ChannelOpened{Attempt: s.Attempt, Kind: kind})
	}
	s, _ = m.Step(s, DeviceAcquired{Attempt: s.Attempt, Device: &fakeDevice{}})
	if s.Phase != PhaseReady {
		t.Fatalf("expected ready, got %s", s.Phase)
	}
	return s
}

func TestConnectSequence(t *testing.T) {
	m := Machine{Strategy: Hybrid(), Policy: DeviceFatal}

	s, effects := m.Step(State{}, Connect{})
	if s.Phase != PhaseConnecting || s.Attempt != 1 || !hasEffect[BeginAttempt](effects) {
		t.Fatalf("unexpected connect result %+v %v", s, effects)
	}

	s, effects = m.Step(s, CredentialsResolved{Attempt: 1})
	if len(effects) != 2 {
		t.Fatalf("expected one open per channel, got %v", effects)
	}

	s, effects = m.Step(s, ChannelOpened{Attempt: 1, Kind: channel.KindSession})
	if len(effects) != 0 {
		t.Fatalf("device acquired before all channels open: %v", effects)
	}
	s, effects = m.Step(s, ChannelOpened{Attempt: 1, Kind: channel.KindResult})
	if !hasEffect[AcquireDevice](effects) {
		t.Fatalf("expected device acquisition, got %v", effects)
	}

	s, effects = m.Step(s, DeviceAcquired{Attempt: 1, Device: &fakeDevice{}})
	if s.Phase != PhaseReady || !s.DeviceReady {
		t.Fatalf("expected ready with device, got %+v", s)
	}
	if !hasEffect[AdoptDevice](effects) || !hasEffect[EnterReady](effects) {
		t.Fatalf("unexpected ready effects %v", effects)
	}
	if s.Status() != StatusConnected {
		t.Fatalf("expected connected status, got %s", s.Status())
	}
}

func TestConnectIgnoredWhileActive(t *testing.T) {
	m := Machine{Strategy: DirectSocket()}
	s, _ := m.Step(State{}, Connect{})
	for _, st := range []State{s, readyState(t, m)} {
		next, effects := m.Step(st, Connect{})
		if next.Attempt != st.Attempt || len(effects) != 0 {
			t.Fatalf("connect in %s started a new attempt", st.Phase)
		}
	}
}

func TestStaleCompletionsIgnored(t *testing.T) {
	m := Machine{Strategy: DirectSocket()}
	s, _ := m.Step(State{}, Connect{})
	s, _ = m.Step(s, Teardown{})
	s, _ = m.Step(s, Connect{})
	if s.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", s.Attempt)
	}

	next, effects := m.Step(s, CredentialsResolved{Attempt: 1})
	if len(effects) != 0 || next.Phase != PhaseConnecting {
		t.Fatalf("stale credentials applied: %v", effects)
	}
	dev := &fakeDevice{}
	_, effects = m.Step(s, DeviceAcquired{Attempt: 1, Device: dev})
	if len(effects) != 1 {
		t.Fatalf("expected discard of stale device, got %v", effects)
	}
	if d, ok := effects[0].(DiscardDevice); !ok || d.Device != dev {
		t.Fatalf("expected DiscardDevice, got %v", effects[0])
	}
}

func TestDeviceAcquiredAfterTeardownIsDiscarded(t *testing.T) {
	m := Machine{Strategy: DirectSocket()}
	s, _ := m.Step(State{}, Connect{})
	s, _ = m.Step(s, CredentialsResolved{Attempt: 1})
	s, _ = m.Step(s, ChannelOpened{Attempt: 1, Kind: channel.KindResult})
	s, _ = m.Step(s, Teardown{})

	next, effects := m.Step(s, DeviceAcquired{Attempt: 1, Device: &fakeDevice{}})
	if next.Phase != PhaseDisconnected || !hasEffect[DiscardDevice](effects) {
		t.Fatalf("late device not discarded: %+v %v", next, effects)
	}
}

func TestFailuresDuringConnect(t *testing.T) {
	cause := errors.New("boom")
	m := Machine{Strategy: DirectSocket(), Policy: DeviceFatal}

	s, _ := m.Step(State{}, Connect{})
	failed, effects := m.Step(s, CredentialsResolved{Attempt: 1, Err: cause})
	var credErr *CredentialError
	if failed.Phase != PhaseError || !errors.As(failed.Err, &credErr) || !hasEffect[Release](effects) {
		t.Fatalf("unexpected credential failure handling %+v %v", failed, effects)
	}

	s, _ = m.Step(s, CredentialsResolved{Attempt: 1})
	failed, _ = m.Step(s, ChannelOpened{Attempt: 1, Kind: channel.KindResult, Err: cause})
	var openErr *ChannelOpenError
	if failed.Phase != PhaseError || !errors.As(failed.Err, &openErr) || !errors.Is(failed.Err, cause) {
		t.Fatalf("unexpected open failure handling %+v", failed)
	}
	if failed.Status() != StatusError {
		t.Fatalf("expected error status, got %s", failed.Status())
	}

	s, _ = m.Step(s, ChannelOpened{Attempt: 1, Kind: channel.KindResult})
	failed, _ = m.Step(s, DeviceAcquired{Attempt: 1, Err: cause})
	var devErr *DeviceError
	if failed.Phase != PhaseError || !errors.As(failed.Err, &devErr) {
		t.Fatalf("expected fatal device error, got %+v", failed)
	}

	// recoverable only through a fresh connect
	retry, effects := m.Step(failed, Connect{})
	if retry.Phase != PhaseConnecting || retry.Err != nil || !hasEffect[BeginAttempt](effects) {
		t.Fatalf("expected retry from error, got %+v", retry)
	}
}

func TestDegradedDevicePolicy(t *testing.T) {
	m := Machine{Strategy: DirectSocket(), Policy: DeviceDegrade}
	s, _ := m.Step(State{}, Connect{})
	s, _ = m.Step(s, CredentialsResolved{Attempt: 1})
	s, _ = m.Step(s, ChannelOpened{Attempt: 1, Kind: channel.KindResult})
	s, effects := m.Step(s, DeviceAcquired{Attempt: 1, Err: errors.New("permission denied")})

	if s.Phase != PhaseReady || s.DeviceReady || !hasEffect[EnterReady](effects) {
		t.Fatalf("expected degraded ready, got %+v %v", s, effects)
	}
	next, effects := m.Step(s, StartCapture{})
	if next.Phase != PhaseReady || !hasEffect[Reject](effects) {
		t.Fatalf("expected capture rejected, got %+v %v", next, effects)
	}
	if r := effects[0].(Reject); !errors.Is(r.Err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", r.Err)
	}
}

func TestStartCaptureRejectedWhileConnecting(t *testing.T) {
	m := Machine{Strategy: RelayOnly()}
	s, _ := m.Step(State{}, Connect{})
	next, effects := m.Step(s, StartCapture{})
	if next.Phase != PhaseConnecting || len(effects) != 1 {
		t.Fatalf("unexpected result %+v %v", next, effects)
	}
	if r, ok := effects[0].(Reject); !ok || !errors.Is(r.Err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady rejection, got %v", effects[0])
	}
}

func TestCaptureToggleKeepsChannels(t *testing.T) {
	m := Machine{Strategy: Hybrid()}
	s := readyState(t, m)

	s, effects := m.Step(s, StartCapture{})
	if s.Phase != PhaseCapturing || !hasEffect[BeginCapture](effects) || s.Status() != StatusRecording {
		t.Fatalf("unexpected start %+v %v", s, effects)
	}
	s, effects = m.Step(s, StopCapture{})
	if s.Phase != PhaseReady || len(effects) != 1 || !hasEffect[EndCapture](effects) {
		t.Fatalf("unexpected stop %+v %v", s, effects)
	}
	s, effects = m.Step(s, StartCapture{})
	if s.Phase != PhaseCapturing || hasEffect[OpenChannel](effects) || hasEffect[BeginAttempt](effects) {
		t.Fatalf("restart reopened channels: %v", effects)
	}
}

func TestRuntimeCloseDisconnects(t *testing.T) {
	m := Machine{Strategy: DirectSocket()}
	s := readyState(t, m)
	s, _ = m.Step(s, StartCapture{})

	next, effects := m.Step(s, ChannelClosed{Attempt: s.Attempt, Kind: channel.KindResult, Reason: "server restart"})
	if next.Phase != PhaseDisconnected || next.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected, got %+v", next)
	}
	if !hasEffect[EndCapture](effects) || !hasEffect[Release](effects) {
		t.Fatalf("expected capture stop and release, got %v", effects)
	}
	var rtErr *ChannelRuntimeError
	if !errors.As(next.Err, &rtErr) || rtErr.Reason != "server restart" {
		t.Fatalf("unexpected error %v", next.Err)
	}
}

func TestChannelOutsideStrategyIgnored(t *testing.T) {
	m := Machine{Strategy: DirectSocket()}
	s := readyState(t, m)
	next, effects := m.Step(s, ChannelClosed{Attempt: s.Attempt, Kind: channel.KindSession})
	if next.Phase != PhaseReady || len(effects) != 0 {
		t.Fatalf("unrelated channel affected session: %+v", next)
	}
}

func TestStatusReflectsWorstChannel(t *testing.T) {
	m := Machine{Strategy: Hybrid()}
	s := readyState(t, m)

	s, _ = m.Step(s, ChannelStateChanged{Attempt: s.Attempt, Kind: channel.KindSession, State: channel.StateConnecting})
	if s.Phase != PhaseReady || s.Status() != StatusConnecting {
		t.Fatalf("expected connecting status while relay reconnects, got %s", s.Status())
	}
	s, _ = m.Step(s, ChannelStateChanged{Attempt: s.Attempt, Kind: channel.KindSession, State: channel.StateConnected})
	if s.Status() != StatusConnected {
		t.Fatalf("expected connected after reconnect, got %s", s.Status())
	}
	s, effects := m.Step(s, ChannelStateChanged{Attempt: s.Attempt, Kind: channel.KindResult, State: channel.StateError})
	if s.Phase != PhaseDisconnected || !hasEffect[Release](effects) {
		t.Fatalf("expected channel error to disconnect, got %+v", s)
	}
}

func TestTeardownIdempotent(t *testing.T) {
	m := Machine{Strategy: DirectSocket()}
	for _, start := range []State{{}, readyState(t, m)} {
		once, effects := m.Step(start, Teardown{})
		if once.Phase != PhaseDisconnected || !hasEffect[Release](effects) {
			t.Fatalf("unexpected teardown from %s: %+v", start.Phase, once)
		}
		twice, effects := m.Step(once, Teardown{})
		if twice.Phase != once.Phase || twice.Attempt != once.Attempt || len(effects) != 0 {
			t.Fatalf("second teardown changed state: %+v %v", twice, effects)
		}
	}
}

func TestStepDoesNotMutateInput(t *testing.T) {
	m := Machine{Strategy: DirectSocket()}
	s := readyState(t, m)
	before := s.Channels[channel.KindResult]
	m.Step(s, ChannelClosed{Attempt: s.Attempt, Kind: channel.KindResult})
	if s.Channels[channel.KindResult] != before || s.Phase != PhaseReady {
		t.Fatal("Step mutated its input state")
	}
}

func TestDeviceFailureWhileCapturing(t *testing.T) {
	m := Machine{Strategy: DirectSocket(), Policy: DeviceDegrade}
	s := readyState(t, m)
	s, _ = m.Step(s, StartCapture{})
	next, effects := m.Step(s, DeviceFailed{Attempt: s.Attempt, Err: errors.New("unplugged")})
	if next.Phase != PhaseReady || next.DeviceReady || !hasEffect[EndCapture](effects) || !hasEffect[ReleaseDevice](effects) {
		t.Fatalf("unexpected degrade handling %+v %v", next, effects)
	}

	m.Policy = DeviceFatal
	next, effects = m.Step(s, DeviceFailed{Attempt: s.Attempt, Err: errors.New("unplugged")})
	if next.Phase != PhaseError || !hasEffect[Release](effects) {
		t.Fatalf("unexpected fatal handling %+v %v", next, effects)
	}
}

func TestStrategyFor(t *testing.T) {
	for _, mode := range []string{"relay", "direct", "hybrid"} {
		s, err := StrategyFor(mode)
		if err != nil || string(s.Mode()) != mode {
			t.Fatalf("StrategyFor(%q) = %v, %v", mode, s, err)
		}
	}
	if _, err := StrategyFor("carrier-pigeon"); err == nil {
		t.Fatal("expected error for unknown transport")
	}
	if Hybrid().AudioEgress() != channel.KindSession || len(Hybrid().ResultSources()) != 2 {
		t.Fatal("hybrid should send audio via the relay and read results from both channels")
	}
}
