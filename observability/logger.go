package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"

	"github.com/hazyhaar/pagekeep/idgen"
)

// Event types recorded by the capture service.
const (
	EventCaptureCreated  = "capture.created"
	EventCaptureFailed   = "capture.failed"
	EventSnapshotDeleted = "snapshot.deleted"
	EventSnapshotEvicted = "snapshot.evicted"
)

// BusinessEvent represents a domain-level event to record.
type BusinessEvent struct {
	EventType   string
	ServiceName string
	EntityType  string
	EntityID    string
	UserID      string
	Action      string
	Details     map[string]any
	Success     bool
}

// StoredEvent is a business event read back from the log.
type StoredEvent struct {
	EventID   string
	EventType string
	EntityID  string
	Action    string
	Details   string
	Success   bool
	CreatedAt time.Time
}

// EventLogger writes business events and manages retention cleanup.
// A nil *EventLogger is valid and drops every event.
type EventLogger struct {
	db    *sql.DB
	newID idgen.Generator
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// NewEventLogger creates a logger backed by the given observability database.
func NewEventLogger(db *sql.DB, opts ...EventLoggerOption) *EventLogger {
	l := &EventLogger{
		db:    db,
		newID: idgen.Prefixed("evt_", idgen.Default),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LogEvent records a business event. Non-blocking: errors are logged via slog
// but do not propagate, so a failing observability store never blocks a capture.
func (l *EventLogger) LogEvent(ctx context.Context, event BusinessEvent) {
	if l == nil {
		return
	}
	var details string
	if len(event.Details) > 0 {
		b, err := json.Marshal(event.Details)
		if err == nil {
			details = string(b)
		}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO business_event_logs (
			event_id, event_type, service_name, entity_type, entity_id,
			user_id, action, details, success, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.newID(), event.EventType, event.ServiceName, event.EntityType, event.EntityID,
		event.UserID, event.Action, details, event.Success, time.Now().Unix())
	if err != nil {
		slog.Error("observability event log failed", "error", err, "event_type", event.EventType)
	}
}

// Recent returns the newest events of the given type, newest first. An empty
// eventType returns all types.
func (l *EventLogger) Recent(ctx context.Context, eventType string, limit int) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT event_id, event_type, COALESCE(entity_id, ''), action, COALESCE(details, ''), success, created_at
		FROM business_event_logs`
	args := []any{}
	if eventType != "" {
		q += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: recent: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		var created int64
		if err := rows.Scan(&e.EventID, &e.EventType, &e.EntityID, &e.Action, &e.Details, &e.Success, &created); err != nil {
			return nil, fmt.Errorf("observability: recent scan: %w", err)
		}
		e.CreatedAt = time.Unix(created, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than the retention window. Zero days keeps
// everything.
func (l *EventLogger) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Unix() - int64(days*86400)
	res, err := l.db.ExecContext(ctx, `DELETE FROM business_event_logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	return res.RowsAffected()
}
