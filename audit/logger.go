package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const SchemaName = "instance_events"

const schemaVersion = 1

// EventType represents the type of lifecycle event
type EventType string

const (
	EventCreated        EventType = "created"
	EventInitialized    EventType = "initialized"
	EventStartRequested EventType = "start_requested"
	EventStarted        EventType = "started"
	EventStartFailed    EventType = "start_failed"
	EventStopped        EventType = "stopped"
	EventStopTimeout    EventType = "stop_timeout"
	EventCommand        EventType = "command"
	EventKilled         EventType = "killed"
	EventDeleted        EventType = "deleted"
	EventRestarted      EventType = "restarted"
)

// Event represents a lifecycle log entry in the database
type Event struct {
	ID                  string `db:"id" json:"id"`
	InstanceID          int64  `db:"instance_id" json:"server_id"`
	EventType           string `db:"event_type" json:"event_type"`
	Timestamp           int64  `db:"timestamp" json:"timestamp"`
	Detail              string `db:"detail" json:"detail,omitempty"`
	CallbackFingerprint string `db:"callback_fingerprint" json:"-"`
}

// Logger records lifecycle transitions of game server instances
type Logger struct {
	db *sqlx.DB
}

// NewLogger creates a new event logger. The table must already exist; see
// DBInit.
func NewLogger(db *sqlx.DB) *Logger {
	return &Logger{
		db: db,
	}
}

// DBInit initializes the instance events table
func DBInit(tx *sqlx.Tx) (int, error) {
	_, err := tx.Exec(`
	CREATE TABLE IF NOT EXISTS instance_events (
		id TEXT PRIMARY KEY,
		instance_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		callback_fingerprint TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_instance_events_instance_id ON instance_events(instance_id)`)
	if err != nil {
		return 0, err
	}

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_instance_events_timestamp ON instance_events(timestamp)`)
	if err != nil {
		return 0, err
	}
	return schemaVersion, nil
}

// fingerprint hashes a callback URL so deliveries can be correlated without
// storing URLs that may embed credentials.
func fingerprint(value string) string {
	if value == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(value))
	return hex.EncodeToString(hash[:])
}

func (l *Logger) insertEvent(ctx context.Context, event *Event) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO instance_events (
			id, instance_id, event_type, timestamp, detail, callback_fingerprint
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID,
		event.InstanceID,
		event.EventType,
		event.Timestamp,
		event.Detail,
		event.CallbackFingerprint,
	)
	return err
}

// Log records one event for an instance.
func (l *Logger) Log(ctx context.Context, instanceID int64, eventType EventType, detail string) error {
	return l.insertEvent(ctx, &Event{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		EventType:  string(eventType),
		Timestamp:  time.Now().UTC().Unix(),
		Detail:     detail,
	})
}

// LogStartRequested records a start request and the fingerprint of the URL
// its outcome will be posted to.
func (l *Logger) LogStartRequested(ctx context.Context, instanceID int64, callbackURL string) error {
	return l.insertEvent(ctx, &Event{
		ID:                  uuid.New().String(),
		InstanceID:          instanceID,
		EventType:           string(EventStartRequested),
		Timestamp:           time.Now().UTC().Unix(),
		CallbackFingerprint: fingerprint(callbackURL),
	})
}

// EventsByInstance retrieves the most recent events of one instance, newest
// first
func (l *Logger) EventsByInstance(ctx context.Context, instanceID int64, limit int) ([]Event, error) {
	events := []Event{}
	err := l.db.SelectContext(ctx, &events,
		"SELECT * FROM instance_events WHERE instance_id = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		instanceID, limit)
	return events, err
}

// RecentEvents retrieves the most recent events across all instances
func (l *Logger) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	events := []Event{}
	err := l.db.SelectContext(ctx, &events,
		"SELECT * FROM instance_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes events older than the specified duration
func (l *Logger) DeleteOldEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).Unix()
	result, err := l.db.ExecContext(ctx, "DELETE FROM instance_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
