package influxdb

import (
	"strconv"
	"time"

	"github.com/nerrad567/wearlink-core/internal/device"
)

// Measurement names.
const (
	MeasurementSend    = "wearlink_send"
	MeasurementReceive = "wearlink_receive"
	MeasurementState   = "wearlink_state"
)

// Metrics adapts a Client to device.Metrics.
type Metrics struct {
	client *Client
	now    func() time.Time
}

var _ device.Metrics = (*Metrics)(nil)

// NewMetrics returns a device.Metrics writing through client.
func NewMetrics(client *Client) *Metrics {
	return &Metrics{client: client, now: time.Now}
}

// RecordSend writes one point per resolved send, tagged with the outcome.
func (m *Metrics) RecordSend(deviceID uint64, result device.SendResult, elapsed time.Duration) {
	m.client.WritePoint(MeasurementSend,
		map[string]string{
			"device_id": strconv.FormatUint(deviceID, 10),
			"result":    string(result.Code),
		},
		map[string]any{
			"elements":    result.Elements,
			"duration_ms": float64(elapsed) / float64(time.Millisecond),
			"success":     result.Success(),
		},
		m.now(),
	)
}

// RecordReceive writes the decoded size of an inbound message.
func (m *Metrics) RecordReceive(deviceID uint64, size int) {
	m.client.WritePoint(MeasurementReceive,
		map[string]string{"device_id": strconv.FormatUint(deviceID, 10)},
		map[string]any{"size": size},
		m.now(),
	)
}

// RecordState writes a state transition.
func (m *Metrics) RecordState(deviceID uint64, state device.State) {
	m.client.WritePoint(MeasurementState,
		map[string]string{"device_id": strconv.FormatUint(deviceID, 10)},
		map[string]any{"state": string(state)},
		m.now(),
	)
}
