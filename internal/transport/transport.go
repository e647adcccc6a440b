// Package transport defines the capability the device layer consumes from a
// vendor wearable SDK, plus the status vocabulary shared by its
// implementations.
//
// The device layer never talks to a radio directly. It drives a Transport:
//
//	t.Initialize(listener)           → listener.SDKReady / SDKInitError
//	t.KnownDevices()                 → []Peer
//	t.RegisterForDeviceEvents(p, fn) → fn(peer, status) on every change
//	t.ApplicationInfo(p, appID, fn)  → fn(app, found)
//	t.SendMessage(p, app, msg, fn)   → fn(status)
//
// All callbacks may run on any goroutine. Implementations:
//   - tethered: a device simulator reached over WebSocket
//   - bluez: live devices on Linux via BlueZ and a companion agent
//   - transporttest: a scriptable in-memory fake
package transport

import "fmt"

// Endpoint selects which physical path a transport session uses.
type Endpoint string

// Endpoint values.
const (
	// EndpointWireless reaches real devices over the radio.
	EndpointWireless Endpoint = "wireless"

	// EndpointTethered reaches a device simulator on the host.
	EndpointTethered Endpoint = "tethered"
)

// Peer is a device known to the transport.
type Peer struct {
	ID   uint64
	Name string
}

func (p Peer) String() string {
	if p.Name == "" {
		return fmt.Sprintf("peer %d", p.ID)
	}
	return fmt.Sprintf("peer %d (%s)", p.ID, p.Name)
}

// App is an application installed on a peer.
type App struct {
	ID      string
	Version int
}

// PeerStatus is the connection status of a peer.
type PeerStatus string

// PeerStatus values.
const (
	PeerConnected    PeerStatus = "CONNECTED"
	PeerNotConnected PeerStatus = "NOT_CONNECTED"
	PeerNotPaired    PeerStatus = "NOT_PAIRED"
	PeerUnknown      PeerStatus = "UNKNOWN"
)

// MessageStatus is the outcome of a send, or the status of an inbound message.
type MessageStatus string

// MessageStatus values.
const (
	MessageSuccess           MessageStatus = "SUCCESS"
	MessageFailureUnknown    MessageStatus = "FAILURE_UNKNOWN"
	MessageFailureInvalid    MessageStatus = "FAILURE_INVALID_DEVICE"
	MessageFailureNotConn    MessageStatus = "FAILURE_DEVICE_NOT_CONNECTED"
	MessageFailureDuringSend MessageStatus = "FAILURE_DURING_TRANSFER"
)

// OpenAppStatus is the outcome of an open-application request.
type OpenAppStatus string

// OpenAppStatus values.
const (
	OpenAppUnknown           OpenAppStatus = "UNKNOWN_FAILURE"
	OpenAppAlreadyRunning    OpenAppStatus = "APP_IS_ALREADY_RUNNING"
	OpenAppPromptShown       OpenAppStatus = "PROMPT_SHOWN_ON_DEVICE"
	OpenAppPromptNotShown    OpenAppStatus = "PROMPT_NOT_SHOWN_ON_DEVICE"
	OpenAppNotInstalled      OpenAppStatus = "APP_IS_NOT_INSTALLED"
	OpenAppNotCompatible     OpenAppStatus = "APP_IS_NOT_COMPATIBLE"
	OpenAppDeviceUnavailable OpenAppStatus = "DEVICE_NOT_AVAILABLE"
)

// Opened reports whether the status counts as a successful open.
func (s OpenAppStatus) Opened() bool {
	return s == OpenAppAlreadyRunning || s == OpenAppPromptShown
}

// Listener receives SDK lifecycle callbacks.
type Listener interface {
	SDKReady()
	SDKInitError(err error)
	SDKShutdown()
}

// DeviceEventFunc is called when a peer's connection status changes.
type DeviceEventFunc func(peer Peer, status PeerStatus)

// AppEventFunc is called for an inbound application message. Elements hold the
// raw message list; they are usually strings but may be other scalars.
type AppEventFunc func(peer Peer, app App, elements []any, status MessageStatus)

// AppInfoFunc is called with the result of an ApplicationInfo query.
// found is false when the application is not installed.
type AppInfoFunc func(app App, found bool)

// SendFunc is called once with the outcome of SendMessage.
type SendFunc func(status MessageStatus)

// OpenAppFunc is called once with the outcome of OpenApplication.
type OpenAppFunc func(status OpenAppStatus)

// Transport is the wearable SDK capability.
//
// Every method may return ErrInvalidState or ErrServiceUnavailable when the
// session is unusable. Methods that take a callback return before the
// callback runs.
type Transport interface {
	// Initialize starts the SDK session. Exactly one of SDKReady or
	// SDKInitError follows.
	Initialize(listener Listener) error

	// Shutdown releases the session. It is safe to call more than once.
	Shutdown() error

	// KnownDevices lists paired peers.
	KnownDevices() ([]Peer, error)

	// DeviceStatus returns a peer's current connection status.
	DeviceStatus(peer Peer) (PeerStatus, error)

	// RegisterForDeviceEvents subscribes to a peer's connection changes.
	RegisterForDeviceEvents(peer Peer, fn DeviceEventFunc) error

	// RegisterForAppEvents subscribes to inbound messages from an app on a peer.
	RegisterForAppEvents(peer Peer, app App, fn AppEventFunc) error

	// UnregisterForEvents drops all subscriptions for a peer.
	UnregisterForEvents(peer Peer) error

	// ApplicationInfo asks whether appID is installed on the peer.
	ApplicationInfo(peer Peer, appID string, fn AppInfoFunc) error

	// OpenApplication asks the peer to launch the app.
	OpenApplication(peer Peer, app App, fn OpenAppFunc) error

	// SendMessage transmits a wire message to the app. Transmission cannot be
	// aborted once started.
	SendMessage(peer Peer, app App, elements []string, fn SendFunc) error

	// OpenStore opens the store page for appID.
	OpenStore(appID string) error
}

// Factory builds a Transport for an endpoint.
type Factory func(endpoint Endpoint) (Transport, error)
