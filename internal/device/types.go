package device

import (
	"fmt"
	"time"

	"github.com/nerrad567/wearlink-core/internal/transport"
)

// State is a device connection state. The string values are the names the
// host sees in DEVICE events.
type State string

// Connection states.
const (
	StateInitializing       State = "Initializing"
	StateReady              State = "Ready"
	StateAppNotInstalled    State = "AppNotInstalled"
	StateCheckingApp        State = "CheckingApp"
	StateNotConnected       State = "NotConnected"
	StateConnectionLost     State = "ConnectionLost"
	StateNotPaired          State = "NotPaired"
	StateInvalidState       State = "InvalidState"
	StateServiceUnavailable State = "ServiceUnavailable"
)

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	switch s {
	case StateInitializing, StateReady, StateAppNotInstalled, StateCheckingApp,
		StateNotConnected, StateConnectionLost, StateNotPaired,
		StateInvalidState, StateServiceUnavailable:
		return true
	}
	return false
}

// SendCode classifies the outcome of a send.
type SendCode string

// Send outcomes.
const (
	SendSuccess            SendCode = "Success"
	SendNotSent            SendCode = "NotSent"
	SendTimeout            SendCode = "Timeout"
	SendFailed             SendCode = "Failed"
	SendDeviceNotFound     SendCode = "DeviceNotFound"
	SendInvalidState       SendCode = "InvalidState"
	SendServiceUnavailable SendCode = "ServiceUnavailable"
	SendMessageEmpty       SendCode = "MessageEmpty"
	SendInvalidPayload     SendCode = "InvalidPayload"
)

// SendResult is the resolved outcome of a send.
type SendResult struct {
	Code SendCode `json:"result"`

	// Status is the transport status when the transport reported one.
	Status transport.MessageStatus `json:"status,omitempty"`

	// Elements is the number of wire elements attempted.
	Elements int `json:"elements"`
}

// Success reports whether the message was delivered.
func (r SendResult) Success() bool {
	return r.Code == SendSuccess
}

// Mode selects the transport endpoint of a session.
type Mode string

// Session modes.
const (
	ModeLive      Mode = "live"
	ModeSimulator Mode = "simulator"
)

// Variant selects which build of the companion application is targeted.
type Variant string

// Application variants.
const (
	VariantRelease Variant = "release"
	VariantDebug   Variant = "debug"
)

// Default application ids.
const (
	DefaultReleaseAppID = "64655bbc-555c-484d-827b-4aef68ff6f5e"
	DefaultDebugAppID   = "c04a5671-7e39-46e7-b911-1911dbb2fe05"
)

// DefaultSendTimeout bounds how long a send waits for the transport.
const DefaultSendTimeout = 30 * time.Second

// Session is the configuration supplied to Initialize.
type Session struct {
	Mode    Mode    `json:"mode"`
	Variant Variant `json:"variant"`
}

// Validate checks mode and variant.
func (s Session) Validate() error {
	if s.Mode != ModeLive && s.Mode != ModeSimulator {
		return fmt.Errorf("%w: mode %q", ErrInvalidSession, s.Mode)
	}
	if s.Variant != VariantRelease && s.Variant != VariantDebug {
		return fmt.Errorf("%w: variant %q", ErrInvalidSession, s.Variant)
	}
	return nil
}

// Endpoint returns the transport endpoint for the mode.
func (s Session) Endpoint() transport.Endpoint {
	if s.Mode == ModeSimulator {
		return transport.EndpointTethered
	}
	return transport.EndpointWireless
}

// InitResult is the resolved outcome of Initialize.
type InitResult struct {
	Success          bool   `json:"success"`
	Simulator        bool   `json:"simulator"`
	DebugApplication bool   `json:"debug_application"`
	Message          string `json:"message,omitempty"`
}

// Metrics receives protocol measurements. Implementations must be safe for
// concurrent use and must not block.
type Metrics interface {
	RecordSend(deviceID uint64, result SendResult, elapsed time.Duration)
	RecordReceive(deviceID uint64, size int)
	RecordState(deviceID uint64, state State)
}

// Clock schedules the send timeout. It exists so tests can control time.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
