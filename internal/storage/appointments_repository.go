package storage

import (
	"context"
	"time"

	"github.com/pawmi/pawmi-server/internal/model"
	"github.com/pawmi/pawmi-server/libs/db"
)

// AppointmentRepository persists appointments, their service selections and
// their series definitions. Every method is a single statement and every
// statement carries the account filter.
type AppointmentRepository struct {
	pool *db.Pool
}

func NewAppointmentRepository(pool *db.Pool) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

func (r *AppointmentRepository) GetAppointment(ctx context.Context, accountID, id string) (model.Appointment, error) {
	var appt model.Appointment
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, customer_id, date, start_time, duration_minutes,
			status, payment_status, COALESCE(notes, ''), COALESCE(timezone, ''),
			COALESCE(series_id::text, ''), series_occurrence,
			COALESCE(recurrence_rule, ''), recurrence_count, recurrence_until,
			COALESCE(reminder_offsets, '{}'::int[]), created_at, updated_at
		FROM appointments
		WHERE id = $1 AND account_id = $2
	`, id, accountID).Scan(
		&appt.ID,
		&appt.AccountID,
		&appt.CustomerID,
		&appt.Date,
		&appt.StartTime,
		&appt.DurationMinutes,
		&appt.Status,
		&appt.PaymentStatus,
		&appt.Notes,
		&appt.Timezone,
		&appt.SeriesID,
		&appt.SeriesOccurrence,
		&appt.RecurrenceRule,
		&appt.RecurrenceCount,
		&appt.RecurrenceUntil,
		&appt.ReminderOffsets,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, translate(err, "appointment not found")
	}
	return appt, nil
}

func (r *AppointmentRepository) InsertAppointment(ctx context.Context, appt model.Appointment) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointments
			(id, account_id, customer_id, date, start_time, duration_minutes,
			status, payment_status, notes, timezone, series_id, series_occurrence,
			recurrence_rule, recurrence_count, recurrence_until, reminder_offsets)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			NULLIF($11, '')::uuid, $12, NULLIF($13, ''), $14, $15, $16)
	`, appt.ID, appt.AccountID, appt.CustomerID, appt.Date, appt.StartTime, appt.DurationMinutes,
		appt.Status, appt.PaymentStatus, appt.Notes, appt.Timezone, appt.SeriesID, appt.SeriesOccurrence,
		appt.RecurrenceRule, appt.RecurrenceCount, appt.RecurrenceUntil, appt.ReminderOffsets)
	return translate(err, "")
}

func (r *AppointmentRepository) UpdateAppointment(ctx context.Context, appt model.Appointment) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET customer_id = $3,
			date = $4,
			start_time = $5,
			duration_minutes = $6,
			status = $7,
			payment_status = $8,
			notes = $9,
			timezone = $10,
			series_id = NULLIF($11, '')::uuid,
			series_occurrence = $12,
			recurrence_rule = NULLIF($13, ''),
			recurrence_count = $14,
			recurrence_until = $15,
			reminder_offsets = $16,
			updated_at = now()
		WHERE id = $1 AND account_id = $2
	`, appt.ID, appt.AccountID, appt.CustomerID, appt.Date, appt.StartTime, appt.DurationMinutes,
		appt.Status, appt.PaymentStatus, appt.Notes, appt.Timezone, appt.SeriesID, appt.SeriesOccurrence,
		appt.RecurrenceRule, appt.RecurrenceCount, appt.RecurrenceUntil, appt.ReminderOffsets)
	return translate(err, "")
}

func (r *AppointmentRepository) DeleteAppointment(ctx context.Context, accountID, id string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM appointments
		WHERE id = $1 AND account_id = $2
	`, id, accountID)
	return translate(err, "")
}

// ListAppointments returns an account's appointments inside [from, to],
// newest-first capped by limit. Zero times leave that bound open.
func (r *AppointmentRepository) ListAppointments(ctx context.Context, accountID string, from, to time.Time, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, customer_id, date, start_time, duration_minutes,
			status, payment_status, COALESCE(notes, ''), COALESCE(timezone, ''),
			COALESCE(series_id::text, ''), series_occurrence,
			COALESCE(recurrence_rule, ''), recurrence_count, recurrence_until,
			COALESCE(reminder_offsets, '{}'::int[]), created_at, updated_at
		FROM appointments
		WHERE account_id = $1
			AND ($2::date IS NULL OR date >= $2)
			AND ($3::date IS NULL OR date <= $3)
		ORDER BY date DESC, start_time DESC
		LIMIT $4
	`, accountID, nullableDate(from), nullableDate(to), limit)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (r *AppointmentRepository) ListSeriesOccurrences(ctx context.Context, accountID, seriesID string) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, customer_id, date, start_time, duration_minutes,
			status, payment_status, COALESCE(notes, ''), COALESCE(timezone, ''),
			COALESCE(series_id::text, ''), series_occurrence,
			COALESCE(recurrence_rule, ''), recurrence_count, recurrence_until,
			COALESCE(reminder_offsets, '{}'::int[]), created_at, updated_at
		FROM appointments
		WHERE account_id = $1 AND series_id = $2
		ORDER BY date ASC
	`, accountID, seriesID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func (r *AppointmentRepository) DeleteSeriesOccurrences(ctx context.Context, accountID, seriesID string, from time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM appointments
		WHERE account_id = $1 AND series_id = $2 AND date >= $3
	`, accountID, seriesID, from)
	if err != nil {
		return 0, translate(err, "")
	}
	return int(tag.RowsAffected()), nil
}

func (r *AppointmentRepository) ClearSeriesLink(ctx context.Context, accountID, appointmentID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET series_id = NULL,
			series_occurrence = NULL,
			updated_at = now()
		WHERE id = $1 AND account_id = $2
	`, appointmentID, accountID)
	return translate(err, "")
}

// CountMonthlyAppointments counts an account's appointments dated inside the
// calendar month containing at. Entitlement checks call this before inserts.
func (r *AppointmentRepository) CountMonthlyAppointments(ctx context.Context, accountID string, at time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE account_id = $1
			AND date >= date_trunc('month', $2::date)
			AND date < date_trunc('month', $2::date) + interval '1 month'
	`, accountID, at).Scan(&count)
	if err != nil {
		return 0, translate(err, "")
	}
	return count, nil
}

func scanAppointments(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]model.Appointment, error) {
	var appts []model.Appointment
	for rows.Next() {
		var appt model.Appointment
		if err := rows.Scan(
			&appt.ID,
			&appt.AccountID,
			&appt.CustomerID,
			&appt.Date,
			&appt.StartTime,
			&appt.DurationMinutes,
			&appt.Status,
			&appt.PaymentStatus,
			&appt.Notes,
			&appt.Timezone,
			&appt.SeriesID,
			&appt.SeriesOccurrence,
			&appt.RecurrenceRule,
			&appt.RecurrenceCount,
			&appt.RecurrenceUntil,
			&appt.ReminderOffsets,
			&appt.CreatedAt,
			&appt.UpdatedAt,
		); err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func (r *AppointmentRepository) ListServices(ctx context.Context, accountID, appointmentID string) ([]model.AppointmentService, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, account_id, service_id, COALESCE(pet_id, ''),
			price_tier_id, price_tier_label, price, COALESCE(addon_ids, '{}'::text[])
		FROM appointment_services
		WHERE account_id = $1 AND appointment_id = $2
		ORDER BY created_at ASC
	`, accountID, appointmentID)
	if err != nil {
		return nil, translate(err, "")
	}
	defer rows.Close()

	var svcs []model.AppointmentService
	for rows.Next() {
		var svc model.AppointmentService
		if err := rows.Scan(
			&svc.ID,
			&svc.AppointmentID,
			&svc.AccountID,
			&svc.ServiceID,
			&svc.PetID,
			&svc.PriceTierID,
			&svc.PriceTierLabel,
			&svc.Price,
			&svc.AddonIDs,
		); err != nil {
			return nil, err
		}
		svcs = append(svcs, svc)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return svcs, nil
}

func (r *AppointmentRepository) InsertService(ctx context.Context, svc model.AppointmentService) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_services
			(id, appointment_id, account_id, service_id, pet_id,
			price_tier_id, price_tier_label, price, addon_ids)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
	`, svc.ID, svc.AppointmentID, svc.AccountID, svc.ServiceID, svc.PetID,
		svc.PriceTierID, svc.PriceTierLabel, svc.Price, svc.AddonIDs)
	return translate(err, "")
}

func (r *AppointmentRepository) UpdateService(ctx context.Context, svc model.AppointmentService) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointment_services
		SET service_id = $3,
			pet_id = NULLIF($4, ''),
			price_tier_id = $5,
			price_tier_label = $6,
			price = $7,
			addon_ids = $8
		WHERE id = $1 AND account_id = $2
	`, svc.ID, svc.AccountID, svc.ServiceID, svc.PetID,
		svc.PriceTierID, svc.PriceTierLabel, svc.Price, svc.AddonIDs)
	return translate(err, "")
}

func (r *AppointmentRepository) DeleteService(ctx context.Context, accountID, id string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM appointment_services
		WHERE id = $1 AND account_id = $2
	`, id, accountID)
	return translate(err, "")
}

func (r *AppointmentRepository) GetSeries(ctx context.Context, accountID, id string) (model.Series, error) {
	var s model.Series
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, rule, recurrence_interval, recurrence_count, recurrence_until,
			start_date, start_time, duration_minutes, COALESCE(timezone, ''),
			COALESCE(notes, ''), status, created_at
		FROM appointment_series
		WHERE id = $1 AND account_id = $2
	`, id, accountID).Scan(
		&s.ID,
		&s.AccountID,
		&s.Rule,
		&s.Interval,
		&s.Count,
		&s.Until,
		&s.StartDate,
		&s.StartTime,
		&s.DurationMinutes,
		&s.Timezone,
		&s.Notes,
		&s.Status,
		&s.CreatedAt,
	)
	if err != nil {
		return model.Series{}, translate(err, "series not found")
	}
	return s, nil
}

func (r *AppointmentRepository) InsertSeries(ctx context.Context, s model.Series) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_series
			(id, account_id, rule, recurrence_interval, recurrence_count, recurrence_until,
			start_date, start_time, duration_minutes, timezone, notes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, s.ID, s.AccountID, s.Rule, s.Interval, s.Count, s.Until,
		s.StartDate, s.StartTime, s.DurationMinutes, s.Timezone, s.Notes, s.Status)
	return translate(err, "")
}

func (r *AppointmentRepository) UpdateSeries(ctx context.Context, s model.Series) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointment_series
		SET rule = $3,
			recurrence_interval = $4,
			recurrence_count = $5,
			recurrence_until = $6,
			start_date = $7,
			start_time = $8,
			duration_minutes = $9,
			timezone = $10,
			notes = $11,
			status = $12
		WHERE id = $1 AND account_id = $2
	`, s.ID, s.AccountID, s.Rule, s.Interval, s.Count, s.Until,
		s.StartDate, s.StartTime, s.DurationMinutes, s.Timezone, s.Notes, s.Status)
	return translate(err, "")
}

func (r *AppointmentRepository) DeleteSeries(ctx context.Context, accountID, id string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM appointment_series
		WHERE id = $1 AND account_id = $2
	`, id, accountID)
	return translate(err, "")
}

func (r *AppointmentRepository) DeactivateSeries(ctx context.Context, accountID, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointment_series
		SET status = 'inactive'
		WHERE id = $1 AND account_id = $2
	`, id, accountID)
	return translate(err, "")
}

func nullableDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
