package mqtt

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/wearlink-core/internal/events"
)

// eventMessage is the JSON body of an event topic.
type eventMessage struct {
	Type      string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// EventPublisher is an events.Sink that publishes each event to
// wearlink/event/{type} and, when the event concerns a device, to
// wearlink/event/{type}/{device_id}.
type EventPublisher struct {
	client *Client
	topics Topics
}

// NewEventPublisher creates a publisher over a connected client.
func NewEventPublisher(client *Client) *EventPublisher {
	return &EventPublisher{client: client}
}

// Publish implements events.Sink. Events raised while the broker is
// unreachable are dropped.
func (p *EventPublisher) Publish(e events.Event) {
	if !p.client.IsConnected() {
		return
	}

	body, err := json.Marshal(eventMessage{
		Type:      string(e.Type),
		Timestamp: e.Time,
		Payload:   e.Payload(),
	})
	if err != nil {
		p.warn("encoding event failed", e, err)
		return
	}

	qos := p.client.QoS()
	if err := p.client.Publish(p.topics.Event(string(e.Type)), body, qos, false); err != nil {
		p.warn("publishing event failed", e, err)
		return
	}
	if id, ok := e.DeviceID(); ok {
		if err := p.client.Publish(p.topics.DeviceEvent(string(e.Type), id), body, qos, false); err != nil {
			p.warn("publishing device event failed", e, err)
		}
	}
}

func (p *EventPublisher) warn(msg string, e events.Event, err error) {
	if logger := p.client.getLogger(); logger != nil {
		logger.Warn(msg, "event", string(e.Type), "error", err)
	}
}
