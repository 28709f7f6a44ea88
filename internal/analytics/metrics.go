package analytics

import (
	"context"
	"time"

	"github.com/pawmi/pawmi-server/libs/db"
)

// MetricsRepository writes event rows and daily aggregates. Appointment
// events and their aggregate bump share a transaction keyed on event_id, so
// a replayed event that already has a row never bumps the aggregate twice.
type MetricsRepository struct {
	pool *db.Pool
}

func NewMetricsRepository(pool *db.Pool) *MetricsRepository {
	return &MetricsRepository{pool: pool}
}

func (m *MetricsRepository) RecordAppointmentEvent(ctx context.Context, eventID, eventType, accountID, appointmentID string, day time.Time, createdInc, cancelledInc int) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO appointment_events (event_id, event_type, account_id, appointment_id, occurred_on)
		VALUES ($1, $2, $3, $4, $5::date)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType, accountID, appointmentID, day)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO daily_appointment_metrics (account_id, day, created_count, cancelled_count)
		VALUES ($1, $2::date, $3, $4)
		ON CONFLICT (account_id, day)
		DO UPDATE SET created_count = daily_appointment_metrics.created_count + EXCLUDED.created_count,
		              cancelled_count = daily_appointment_metrics.cancelled_count + EXCLUDED.cancelled_count,
		              updated_at = now()
	`, accountID, day, createdInc, cancelledInc)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (m *MetricsRepository) RecordReminderSent(ctx context.Context, accountID, appointmentID, userID string, offsetMinutes int, sentAt time.Time) error {
	_, err := m.pool.Exec(ctx, `
		INSERT INTO reminder_metrics (account_id, appointment_id, user_id, offset_minutes, sent_at)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5)
	`, accountID, appointmentID, userID, offsetMinutes, sentAt.UTC())
	if err != nil {
		return err
	}

	_, err = m.pool.Exec(ctx, `
		INSERT INTO daily_reminder_metrics (account_id, day, sent_count)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (account_id, day)
		DO UPDATE SET sent_count = daily_reminder_metrics.sent_count + 1,
		              updated_at = now()
	`, accountID, sentAt.UTC())
	return err
}
