// Package events defines the notifications the device layer emits to the host
// and the ordered bus that fans them out to sinks.
//
// Four event types exist:
//   - DEVICE: a device changed state; payload is its DeviceView
//   - RECEIVE: an inbound application message; payload {device, message}
//   - APP_OPENED: an open-application attempt resolved; payload {device, success}
//   - LOG: a diagnostic record; payload {level, tag, message, obj?}
package events

import (
	"time"

	"github.com/nerrad567/wearlink-core/internal/codec"
)

// Type identifies an event.
type Type string

// Event types.
const (
	TypeDevice    Type = "DEVICE"
	TypeReceive   Type = "RECEIVE"
	TypeAppOpened Type = "APP_OPENED"
	TypeLog       Type = "LOG"
)

// Log levels carried by LOG events.
const (
	LevelDebug     = "debug"
	LevelNotice    = "notice"
	LevelImportant = "important"
	LevelError     = "error"
)

// DeviceView is the public snapshot of a device.
type DeviceView struct {
	ID    uint64 `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
	// Version is the installed application version, set only while Ready.
	Version *int `json:"version,omitempty"`
}

// LogEntry is the payload of a LOG event.
type LogEntry struct {
	Level   string         `json:"level"`
	Tag     string         `json:"tag"`
	Message string         `json:"message"`
	Obj     map[string]any `json:"obj,omitempty"`
}

// Event is one notification. Which fields are set depends on Type.
type Event struct {
	Type Type
	Time time.Time

	// Device is set for DEVICE, RECEIVE and APP_OPENED.
	Device *DeviceView

	// Message is set for RECEIVE.
	Message *codec.Message

	// Success is set for APP_OPENED.
	Success bool

	// Log is set for LOG.
	Log *LogEntry
}

// DeviceChanged builds a DEVICE event.
func DeviceChanged(view DeviceView) Event {
	return Event{Type: TypeDevice, Time: time.Now().UTC(), Device: &view}
}

// Received builds a RECEIVE event.
func Received(view DeviceView, msg codec.Message) Event {
	return Event{Type: TypeReceive, Time: time.Now().UTC(), Device: &view, Message: &msg}
}

// AppOpened builds an APP_OPENED event.
func AppOpened(view DeviceView, success bool) Event {
	return Event{Type: TypeAppOpened, Time: time.Now().UTC(), Device: &view, Success: success}
}

// Logged builds a LOG event.
func Logged(entry LogEntry) Event {
	return Event{Type: TypeLog, Time: time.Now().UTC(), Log: &entry}
}

// DeviceID returns the id of the device the event concerns, if any.
func (e Event) DeviceID() (uint64, bool) {
	if e.Device == nil {
		return 0, false
	}
	return e.Device.ID, true
}

// Payload returns the host-facing payload of the event, ready for JSON.
func (e Event) Payload() any {
	switch e.Type {
	case TypeDevice:
		return e.Device
	case TypeReceive:
		return map[string]any{
			"device":  e.Device,
			"message": e.Message,
		}
	case TypeAppOpened:
		return map[string]any{
			"device":  e.Device,
			"success": e.Success,
		}
	case TypeLog:
		return e.Log
	default:
		return nil
	}
}

// Sink receives events. Publish must not block for long; it is called from
// the bus goroutine in event order.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event)

// Publish implements Sink.
func (f SinkFunc) Publish(e Event) {
	f(e)
}
