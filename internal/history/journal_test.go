package history

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/wearlink-core/internal/codec"
	"github.com/nerrad567/wearlink-core/internal/events"
	"github.com/nerrad567/wearlink-core/internal/infrastructure/database"
	"github.com/nerrad567/wearlink-core/migrations"
)

// setupJournal opens a migrated database in a temp dir.
func setupJournal(t *testing.T) *Journal {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "history.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewJournal(db.DB)
}

func deviceEvent(id uint64, state string, at time.Time) events.Event {
	e := events.DeviceChanged(events.DeviceView{ID: id, Name: "watch", State: state})
	e.Time = at
	return e
}

// ============================================================
// Recording
// ============================================================

func TestJournal_RecordAndGet(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	j.Publish(deviceEvent(7, "Connected", base))
	j.Publish(deviceEvent(7, "Ready", base.Add(time.Second)))
	j.Publish(deviceEvent(8, "Connected", base))

	entries, err := j.GetHistory(ctx, 7, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].State != "Ready" || entries[1].State != "Connected" {
		t.Errorf("order = %s, %s; want newest first", entries[0].State, entries[1].State)
	}
	if !entries[0].CreatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("CreatedAt = %v", entries[0].CreatedAt)
	}
	if entries[0].DeviceID != 7 || entries[0].Type != "DEVICE" {
		t.Errorf("entry = %+v", entries[0])
	}

	var view events.DeviceView
	if err := json.Unmarshal(entries[0].Payload, &view); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if view.ID != 7 || view.State != "Ready" {
		t.Errorf("payload view = %+v", view)
	}
}

func TestJournal_LargeDeviceID(t *testing.T) {
	j := setupJournal(t)
	const id = uint64(18446744073709551615)

	j.Publish(deviceEvent(id, "Connected", time.Now()))

	entries, err := j.GetHistory(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 || entries[0].DeviceID != id {
		t.Errorf("entries = %+v", entries)
	}
}

func TestJournal_RecordsReceive(t *testing.T) {
	j := setupJournal(t)

	msg, err := codec.Decode([]any{"response", "tid=4"})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	j.Publish(events.Received(events.DeviceView{ID: 3, State: "Ready"}, msg))

	entries, err := j.GetHistory(context.Background(), 3, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Type != "RECEIVE" {
		t.Fatalf("entries = %+v", entries)
	}
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(entries[0].Payload, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if _, ok := payload["message"]; !ok {
		t.Error("payload missing message")
	}
}

func TestJournal_IgnoresOtherEvents(t *testing.T) {
	j := setupJournal(t)

	j.Publish(events.AppOpened(events.DeviceView{ID: 1}, true))
	j.Publish(events.Logged(events.LogEntry{Level: events.LevelNotice, Message: "x"}))

	entries, err := j.GetHistory(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}

func TestJournal_RecordWithoutDevice(t *testing.T) {
	j := setupJournal(t)
	if err := j.Record(context.Background(), events.Event{Type: events.TypeDevice}); err == nil {
		t.Error("Record() expected error for event without device")
	}
}

func TestJournal_Limit(t *testing.T) {
	j := setupJournal(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < maxLimit+10; i++ {
		j.Publish(deviceEvent(5, "Connected", base.Add(time.Duration(i)*time.Millisecond)))
	}

	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"explicit", 3, 3},
		{"default", 0, defaultLimit},
		{"negative uses default", -1, defaultLimit},
		{"capped", maxLimit + 50, maxLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := j.GetHistory(context.Background(), 5, tt.limit)
			if err != nil {
				t.Fatalf("GetHistory() error = %v", err)
			}
			if len(entries) != tt.want {
				t.Errorf("len = %d, want %d", len(entries), tt.want)
			}
		})
	}
}

// ============================================================
// Retention
// ============================================================

func TestJournal_Prune(t *testing.T) {
	j := setupJournal(t)
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }
	ctx := context.Background()

	j.Publish(deviceEvent(1, "Connected", now.Add(-10*24*time.Hour)))
	j.Publish(deviceEvent(1, "Ready", now.Add(-time.Hour)))

	n, err := j.Prune(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Prune() removed %d, want 1", n)
	}

	entries, err := j.GetHistory(ctx, 1, 0)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 || entries[0].State != "Ready" {
		t.Errorf("remaining = %+v", entries)
	}
}

func TestJournal_PruneInvalidRetention(t *testing.T) {
	j := setupJournal(t)
	if _, err := j.Prune(context.Background(), 0); !errors.Is(err, ErrInvalidRetention) {
		t.Errorf("Prune(0) error = %v, want ErrInvalidRetention", err)
	}
}

func TestJournal_RunStopsOnCancel(t *testing.T) {
	j := setupJournal(t)
	j.Publish(deviceEvent(1, "Connected", time.Now().Add(-48*time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx, 24*time.Hour, time.Hour)
		close(done)
	}()

	// The first prune runs immediately.
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, err := j.GetHistory(context.Background(), 1, 0)
		if err != nil {
			t.Fatalf("GetHistory() error = %v", err)
		}
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Run did not prune")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
