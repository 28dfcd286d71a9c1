package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/tokenmeter/pkg/storage"
)

// EventLog records processed webhook deliveries in processed_webhook_events
type EventLog struct {
	db *sql.DB
}

var _ storage.EventLog = (*EventLog)(nil)

// NewEventLog creates an EventLog
func NewEventLog(db *sql.DB) *EventLog {
	return &EventLog{db: db}
}

// Seen reports whether the delivery was already applied
func (l *EventLog) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_webhook_events WHERE provider = $1 AND event_id = $2)`,
		provider, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// MarkProcessed remembers the delivery; repeats are ignored
func (l *EventLog) MarkProcessed(ctx context.Context, provider, eventID, eventType string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO processed_webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		provider, eventID, eventType,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// Prune deletes records older than the retention window and returns the count
func (l *EventLog) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM processed_webhook_events WHERE processed_at < $1`,
		time.Now().UTC().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed events: %w", err)
	}
	return res.RowsAffected()
}
