// Package analytics consumes the appointment event stream into per-account
// daily metrics. Each consumed event is claimed in an inbox table first so
// redeliveries never double-count.
package analytics

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pawmi/pawmi-server/libs/db"
)

type Inbox struct {
	pool *db.Pool
}

func NewInbox(pool *db.Pool) *Inbox {
	return &Inbox{pool: pool}
}

// Record claims an event id. Returns false when the event was already
// processed by this or another consumer instance.
func (r *Inbox) Record(ctx context.Context, eventID string, eventType string) (bool, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
	`, eventID, eventType)
	if err == nil {
		return true, nil
	}

	if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
		return false, nil
	}

	return false, err
}
