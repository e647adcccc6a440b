package influxdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/wearlink-core/internal/device"
	"github.com/nerrad567/wearlink-core/internal/infrastructure/config"
	"github.com/nerrad567/wearlink-core/internal/transport"
)

// memoryWriter collects points in memory.
type memoryWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (w *memoryWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	w.points = append(w.points, p)
	w.mu.Unlock()
}

func (w *memoryWriter) Flush() {
	w.mu.Lock()
	w.flushes++
	w.mu.Unlock()
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, t := range p.TagList() {
		out[t.Key] = t.Value
	}
	return out
}

func fields(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func newTestMetrics() (*Metrics, *Client, *memoryWriter) {
	w := &memoryWriter{}
	c := newClient(config.InfluxDBConfig{Enabled: true}, w)
	m := NewMetrics(c)
	m.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return m, c, w
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnectDisabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{
		Enabled: true,
		URL:     "http://127.0.0.1:1",
		Org:     "wearlink",
		Bucket:  "metrics",
	})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestCloseFlushesOnce(t *testing.T) {
	_, c, w := newTestMetrics()

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1", w.flushes)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestWriteErrorsCallback(t *testing.T) {
	_, c, _ := newTestMetrics()

	got := make(chan error, 1)
	c.SetOnError(func(err error) { got <- err })

	errs := make(chan error, 1)
	go c.handleWriteErrors(errs)
	errs <- errors.New("bucket not found")
	close(errs)

	select {
	case err := <-got:
		if err.Error() != "bucket not found" {
			t.Errorf("callback error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

// =============================================================================
// Metrics Tests
// =============================================================================

func TestRecordSend(t *testing.T) {
	m, _, w := newTestMetrics()

	m.RecordSend(42, device.SendResult{
		Code:     device.SendSuccess,
		Status:   transport.MessageSuccess,
		Elements: 3,
	}, 1500*time.Microsecond)

	if len(w.points) != 1 {
		t.Fatalf("points = %d, want 1", len(w.points))
	}
	p := w.points[0]
	if p.Name() != MeasurementSend {
		t.Errorf("measurement = %q", p.Name())
	}
	if tg := tags(p); tg["device_id"] != "42" || tg["result"] != "Success" {
		t.Errorf("tags = %v", tg)
	}
	f := fields(p)
	if f["elements"] != int64(3) || f["duration_ms"] != 1.5 || f["success"] != true {
		t.Errorf("fields = %v", f)
	}
}

func TestRecordReceiveAndState(t *testing.T) {
	m, _, w := newTestMetrics()

	m.RecordReceive(18446744073709551615, 8)
	m.RecordState(7, device.StateConnectionLost)

	if len(w.points) != 2 {
		t.Fatalf("points = %d, want 2", len(w.points))
	}
	if tg := tags(w.points[0]); tg["device_id"] != "18446744073709551615" {
		t.Errorf("receive tags = %v", tg)
	}
	if f := fields(w.points[0]); f["size"] != int64(8) {
		t.Errorf("receive fields = %v", f)
	}
	if f := fields(w.points[1]); f["state"] != "ConnectionLost" {
		t.Errorf("state fields = %v", f)
	}
}

func TestMetricsDroppedAfterClose(t *testing.T) {
	m, c, w := newTestMetrics()
	c.Close()

	m.RecordState(1, device.StateReady)

	if len(w.points) != 0 {
		t.Errorf("points = %d after Close, want 0", len(w.points))
	}
}
