package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/wearlink-core/internal/events"
)

const (
	defaultLimit = 50
	maxLimit     = 200

	// writeTimeout bounds one insert made from Publish.
	writeTimeout = 2 * time.Second

	// DefaultPruneInterval is how often Run prunes.
	DefaultPruneInterval = time.Hour
)

// Entry is one journaled event.
type Entry struct {
	ID       int64  `json:"id"`
	DeviceID uint64 `json:"device_id"`
	Type     string `json:"event_type"`
	// State is the device state at the time of the event.
	State     string          `json:"state,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Logger is the logging interface used by the Journal.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Journal stores device events in the event_history table.
//
// Safe for concurrent use.
type Journal struct {
	db     *sql.DB
	logger Logger
	now    func() time.Time
}

// NewJournal creates a journal over an open database whose migrations have
// been applied.
func NewJournal(db *sql.DB) *Journal {
	return &Journal{
		db:     db,
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger used for write failures.
//
// The logger must not publish LOG events back into the bus feeding this
// journal.
func (j *Journal) SetLogger(logger Logger) {
	j.logger = logger
}

// Publish implements events.Sink. Failures are logged, never returned.
func (j *Journal) Publish(e events.Event) {
	if e.Type != events.TypeDevice && e.Type != events.TypeReceive {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.Record(ctx, e); err != nil {
		j.logger.Warn("journaling event failed", "event", string(e.Type), "error", err)
	}
}

// Record writes one event. The event must concern a device.
func (j *Journal) Record(ctx context.Context, e events.Event) error {
	if e.Device == nil {
		return fmt.Errorf("recording %s event: no device", e.Type)
	}

	payload, err := json.Marshal(e.Payload())
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}

	at := e.Time
	if at.IsZero() {
		at = j.now()
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO event_history (device_id, event_type, state, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		strconv.FormatUint(e.Device.ID, 10),
		string(e.Type),
		e.Device.State,
		string(payload),
		at.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting event history: %w", err)
	}
	return nil
}

// GetHistory returns the device's most recent entries, newest first.
// limit defaults to 50 and is capped at 200.
func (j *Journal) GetHistory(ctx context.Context, deviceID uint64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, event_type, state, payload, created_at
		 FROM event_history
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		strconv.FormatUint(deviceID, 10),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying event history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			entry     Entry
			state     sql.NullString
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.Type, &state, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event history: %w", err)
		}
		entry.DeviceID = deviceID
		entry.State = state.String
		entry.Payload = json.RawMessage(payload)
		entry.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than retention and reports how many.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, ErrInvalidRetention
	}

	cutoff := j.now().UTC().Add(-retention).UnixMilli()
	result, err := j.db.ExecContext(ctx, "DELETE FROM event_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting event history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// Run prunes once immediately and then every interval until ctx is done.
// A zero interval uses DefaultPruneInterval.
func (j *Journal) Run(ctx context.Context, retention, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPruneInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := j.Prune(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			j.logger.Warn("pruning event history failed", "error", err)
		case n > 0:
			j.logger.Debug("pruned event history", "rows", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
