package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pawmi/pawmi-server/libs/kafkax"
)

const dateLayout = "2006-01-02"

// MetricsStore persists per-event rows and the daily aggregates derived
// from them.
type MetricsStore interface {
	RecordAppointmentEvent(ctx context.Context, eventID, eventType, accountID, appointmentID string, day time.Time, createdInc, cancelledInc int) error
	RecordReminderSent(ctx context.Context, accountID, appointmentID, userID string, offsetMinutes int, sentAt time.Time) error
}

// Recorder turns consumed events into metric writes. Malformed payloads are
// logged and dropped; store failures propagate so the message is retried.
type Recorder struct {
	metrics MetricsStore
	logger  *slog.Logger
}

func NewRecorder(metrics MetricsStore, logger *slog.Logger) *Recorder {
	return &Recorder{metrics: metrics, logger: logger}
}

// AppointmentCreated handles appointment.created.v1 messages.
func (r *Recorder) AppointmentCreated(ctx context.Context, msg kafka.Message) error {
	return r.handleAppointment(ctx, msg, 1, 0)
}

// AppointmentCancelled handles appointment.cancelled.v1 messages. Series
// deletions emit the same event type without a date; those are skipped.
func (r *Recorder) AppointmentCancelled(ctx context.Context, msg kafka.Message) error {
	return r.handleAppointment(ctx, msg, 0, 1)
}

func (r *Recorder) handleAppointment(ctx context.Context, msg kafka.Message, createdInc, cancelledInc int) error {
	var payload struct {
		AccountID     string `json:"account_id"`
		AppointmentID string `json:"appointment_id"`
		Date          string `json:"date"`
	}

	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		r.logger.Error("invalid appointment payload", "err", err)
		return nil
	}
	if payload.AccountID == "" || payload.AppointmentID == "" || payload.Date == "" {
		r.logger.Error("missing appointment fields", "topic", msg.Topic)
		return nil
	}
	day, err := time.Parse(dateLayout, payload.Date)
	if err != nil {
		r.logger.Error("invalid appointment date", "err", err)
		return nil
	}

	meta := kafkax.ExtractEventMeta(msg)

	err = r.metrics.RecordAppointmentEvent(ctx, meta.EventID, meta.EventType,
		payload.AccountID, payload.AppointmentID, day, createdInc, cancelledInc)
	if err != nil {
		r.logger.Error("failed to write appointment metric", "err", err)
		return err
	}

	r.logger.Info("appointment metric recorded",
		"appointment_id", payload.AppointmentID, "account_id", payload.AccountID, "event_type", meta.EventType)
	return nil
}

// ReminderSent handles notification.reminder.sent.v1 messages.
func (r *Recorder) ReminderSent(ctx context.Context, msg kafka.Message) error {
	var payload struct {
		AccountID     string `json:"account_id"`
		AppointmentID string `json:"appointment_id"`
		UserID        string `json:"user_id"`
		OffsetMinutes int    `json:"offset_minutes"`
		SentAt        string `json:"sent_at"`
	}

	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		r.logger.Error("invalid reminder payload", "err", err)
		return nil
	}
	if payload.AccountID == "" || payload.AppointmentID == "" || payload.SentAt == "" {
		r.logger.Error("missing reminder fields")
		return nil
	}
	sentAt, err := time.Parse(time.RFC3339, payload.SentAt)
	if err != nil {
		r.logger.Error("invalid sent_at", "err", err)
		return nil
	}

	err = r.metrics.RecordReminderSent(ctx, payload.AccountID, payload.AppointmentID,
		payload.UserID, payload.OffsetMinutes, sentAt)
	if err != nil {
		r.logger.Error("failed to write reminder metric", "err", err)
		return err
	}

	r.logger.Info("reminder metric recorded",
		"appointment_id", payload.AppointmentID, "account_id", payload.AccountID)
	return nil
}
