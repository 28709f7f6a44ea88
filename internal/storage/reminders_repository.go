package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pawmi/pawmi-server/internal/model"
	"github.com/pawmi/pawmi-server/internal/prefs"
	"github.com/pawmi/pawmi-server/internal/reminder"
	"github.com/pawmi/pawmi-server/libs/db"
)

// ReminderRepository backs the dispatcher: membership, stored preferences,
// candidate appointments, the notification ledger and device tokens.
type ReminderRepository struct {
	pool *db.Pool
}

func NewReminderRepository(pool *db.Pool) *ReminderRepository {
	return &ReminderRepository{pool: pool}
}

func (r *ReminderRepository) ListAcceptedMembers(ctx context.Context) ([]model.AccountMember, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT account_id, user_id, role, status
		FROM account_members
		WHERE status = 'accepted'
	`)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	var members []model.AccountMember
	for rows.Next() {
		var m model.AccountMember
		if err := rows.Scan(&m.AccountID, &m.UserID, &m.Role, &m.Status); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return members, nil
}

func (r *ReminderRepository) ListPreferences(ctx context.Context, userIDs []string) (map[string]*prefs.Patch, error) {
	out := map[string]*prefs.Patch{}
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, doc
		FROM notification_preferences
		WHERE user_id = ANY($1)
	`, userIDs)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	for rows.Next() {
		var userID string
		var doc []byte
		if err := rows.Scan(&userID, &doc); err != nil {
			return nil, err
		}
		var patch prefs.Patch
		if err := json.Unmarshal(doc, &patch); err != nil {
			// A corrupt document falls back to defaults for that user.
			continue
		}
		out[userID] = &patch
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *ReminderRepository) ListCandidateAppointments(ctx context.Context, from, to time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, customer_id, date, start_time, duration_minutes,
			status, payment_status, COALESCE(notes, ''), COALESCE(timezone, ''),
			COALESCE(series_id::text, ''), series_occurrence,
			COALESCE(recurrence_rule, ''), recurrence_count, recurrence_until,
			COALESCE(reminder_offsets, '{}'::int[]), created_at, updated_at
		FROM appointments
		WHERE date >= $1 AND date <= $2
			AND status NOT IN ('cancelled', 'completed', 'in_progress')
	`, from, to)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (r *ReminderRepository) ListSentReminders(ctx context.Context, since time.Time) ([]reminder.SentReminder, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, appointment_id::text, offset_minutes
		FROM notifications
		WHERE type = $1 AND status = 'sent' AND created_at >= $2
	`, model.TypeAppointmentReminder, since)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	var sent []reminder.SentReminder
	for rows.Next() {
		var s reminder.SentReminder
		if err := rows.Scan(&s.UserID, &s.AppointmentID, &s.OffsetMinutes); err != nil {
			return nil, err
		}
		sent = append(sent, s)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return sent, nil
}

func (r *ReminderRepository) InsertNotification(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notifications
			(id, account_id, user_id, type, title, body, data,
			appointment_id, offset_minutes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '')::uuid, $9, $10)
	`, n.ID, n.AccountID, n.UserID, n.Type, n.Title, n.Body, n.Data,
		n.AppointmentID, n.OffsetMinutes, n.Status)
	return translate(err, "")
}

func (r *ReminderRepository) ListActiveDeviceTokens(ctx context.Context, userIDs []string) (map[string][]model.DeviceToken, error) {
	out := map[string][]model.DeviceToken{}
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, token, COALESCE(platform, ''), active, created_at
		FROM device_tokens
		WHERE active AND user_id = ANY($1)
	`, userIDs)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	for rows.Next() {
		var t model.DeviceToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.Platform, &t.Active, &t.CreatedAt); err != nil {
			return nil, err
		}
		out[t.UserID] = append(out[t.UserID], t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *ReminderRepository) DeactivateDeviceToken(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE device_tokens
		SET active = false
		WHERE id = $1
	`, id)
	return translate(err, "")
}
