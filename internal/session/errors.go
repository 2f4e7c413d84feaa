package session

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/channel"
)

var (
	ErrNotReady  = errors.New("capture can only start once the session is ready")
	ErrNoDevice  = errors.New("no capture device available")
	ErrStopped   = errors.New("orchestrator stopped")
	ErrNoChannel = errors.New("no channel factory for required channel")
)

// CredentialError means the token request failed. Fatal to the attempt.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string { return "fetch credentials: " + e.Err.Error() }
func (e *CredentialError) Unwrap() error { return e.Err }

// DeviceError means the capture device could not be acquired or started.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string { return "capture device: " + e.Err.Error() }
func (e *DeviceError) Unwrap() error { return e.Err }

// ChannelOpenError means a required channel failed to establish.
type ChannelOpenError struct {
	Kind channel.Kind
	Err  error
}

func (e *ChannelOpenError) Error() string {
	return fmt.Sprintf("open %s channel: %v", e.Kind, e.Err)
}
func (e *ChannelOpenError) Unwrap() error { return e.Err }

// ChannelRuntimeError means an established channel closed or failed.
type ChannelRuntimeError struct {
	Kind   channel.Kind
	Reason string
	Err    error
}

func (e *ChannelRuntimeError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s channel failed: %v", e.Kind, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s channel closed: %s", e.Kind, e.Reason)
	default:
		return fmt.Sprintf("%s channel closed", e.Kind)
	}
}
func (e *ChannelRuntimeError) Unwrap() error { return e.Err }

// ProtocolError is an inbound message that could not be decoded. Logged and
// dropped.
type ProtocolError struct {
	Kind channel.Kind
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed message on %s channel: %v", e.Kind, e.Err)
}
func (e *ProtocolError) Unwrap() error { return e.Err }

// BackendError is an error message sent by the recognition service. It is
// surfaced as a notice and never changes state.
type BackendError struct {
	Kind    channel.Kind
	Message string
}

func (e *BackendError) Error() string { return "backend: " + e.Message }
