package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pawmi/pawmi-server/libs/db"
)

// ErrDuplicateProviderEvent marks a replayed webhook delivery.
var ErrDuplicateProviderEvent = errors.New("duplicate provider event")

type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

// BillingRepository records provider webhook deliveries for idempotency.
type BillingRepository struct {
	pool *db.Pool
}

func NewBillingRepository(pool *db.Pool) *BillingRepository {
	return &BillingRepository{pool: pool}
}

func (r *BillingRepository) InsertProviderEvent(ctx context.Context, evt ProviderEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO billing_provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
	`, evt.Provider, evt.ProviderEventID, evt.EventType, evt.Payload)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateProviderEvent
	}
	return translate(err, "")
}
