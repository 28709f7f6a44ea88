package analytics

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type apptCall struct {
	eventID       string
	eventType     string
	accountID     string
	appointmentID string
	day           time.Time
	createdInc    int
	cancelledInc  int
}

type reminderCall struct {
	accountID     string
	appointmentID string
	userID        string
	offsetMinutes int
	sentAt        time.Time
}

type fakeMetrics struct {
	appts     []apptCall
	reminders []reminderCall
	err       error
}

func (f *fakeMetrics) RecordAppointmentEvent(_ context.Context, eventID, eventType, accountID, appointmentID string, day time.Time, createdInc, cancelledInc int) error {
	if f.err != nil {
		return f.err
	}
	f.appts = append(f.appts, apptCall{eventID, eventType, accountID, appointmentID, day, createdInc, cancelledInc})
	return nil
}

func (f *fakeMetrics) RecordReminderSent(_ context.Context, accountID, appointmentID, userID string, offsetMinutes int, sentAt time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.reminders = append(f.reminders, reminderCall{accountID, appointmentID, userID, offsetMinutes, sentAt})
	return nil
}

func apptMessage(topic, body string) kafka.Message {
	return kafka.Message{
		Topic: topic,
		Value: []byte(body),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte("evt-1")},
			{Key: "event_type", Value: []byte(topic)},
		},
	}
}

func TestAppointmentCreatedRecordsMetric(t *testing.T) {
	metrics := &fakeMetrics{}
	rec := NewRecorder(metrics, slog.Default())

	msg := apptMessage("appointment.created.v1",
		`{"account_id":"acct-1","appointment_id":"appt-1","date":"2024-06-10"}`)
	if err := rec.AppointmentCreated(context.Background(), msg); err != nil {
		t.Fatalf("AppointmentCreated: %v", err)
	}

	if len(metrics.appts) != 1 {
		t.Fatalf("expected 1 call, got %d", len(metrics.appts))
	}
	call := metrics.appts[0]
	if call.eventID != "evt-1" || call.accountID != "acct-1" || call.appointmentID != "appt-1" {
		t.Errorf("unexpected call: %+v", call)
	}
	if call.createdInc != 1 || call.cancelledInc != 0 {
		t.Errorf("expected created increment, got %+v", call)
	}
	want := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	if !call.day.Equal(want) {
		t.Errorf("day = %v, want %v", call.day, want)
	}
}

func TestAppointmentCancelledRecordsMetric(t *testing.T) {
	metrics := &fakeMetrics{}
	rec := NewRecorder(metrics, slog.Default())

	msg := apptMessage("appointment.cancelled.v1",
		`{"account_id":"acct-1","appointment_id":"appt-1","date":"2024-06-10"}`)
	if err := rec.AppointmentCancelled(context.Background(), msg); err != nil {
		t.Fatalf("AppointmentCancelled: %v", err)
	}
	if len(metrics.appts) != 1 || metrics.appts[0].cancelledInc != 1 {
		t.Fatalf("expected cancelled increment, got %+v", metrics.appts)
	}
}

func TestMalformedAppointmentPayloadDropped(t *testing.T) {
	metrics := &fakeMetrics{}
	rec := NewRecorder(metrics, slog.Default())

	cases := []string{
		`not json`,
		`{"account_id":"acct-1","appointment_id":"appt-1"}`,
		`{"account_id":"acct-1","appointment_id":"appt-1","date":"June 10"}`,
	}
	for _, body := range cases {
		if err := rec.AppointmentCreated(context.Background(), apptMessage("appointment.created.v1", body)); err != nil {
			t.Fatalf("payload %q: unexpected error %v", body, err)
		}
	}
	if len(metrics.appts) != 0 {
		t.Fatalf("expected no calls, got %d", len(metrics.appts))
	}
}

func TestStoreErrorPropagatesForRetry(t *testing.T) {
	metrics := &fakeMetrics{err: errors.New("boom")}
	rec := NewRecorder(metrics, slog.Default())

	msg := apptMessage("appointment.created.v1",
		`{"account_id":"acct-1","appointment_id":"appt-1","date":"2024-06-10"}`)
	if err := rec.AppointmentCreated(context.Background(), msg); err == nil {
		t.Fatal("expected store error to propagate")
	}
}

func TestReminderSentRecordsMetric(t *testing.T) {
	metrics := &fakeMetrics{}
	rec := NewRecorder(metrics, slog.Default())

	msg := apptMessage("notification.reminder.sent.v1",
		`{"account_id":"acct-1","appointment_id":"appt-1","user_id":"user-1","offset_minutes":30,"sent_at":"2024-06-10T13:30:00Z"}`)
	if err := rec.ReminderSent(context.Background(), msg); err != nil {
		t.Fatalf("ReminderSent: %v", err)
	}

	if len(metrics.reminders) != 1 {
		t.Fatalf("expected 1 call, got %d", len(metrics.reminders))
	}
	call := metrics.reminders[0]
	if call.userID != "user-1" || call.offsetMinutes != 30 {
		t.Errorf("unexpected call: %+v", call)
	}
	if !call.sentAt.Equal(time.Date(2024, 6, 10, 13, 30, 0, 0, time.UTC)) {
		t.Errorf("sentAt = %v", call.sentAt)
	}
}

func TestReminderSentBadTimestampDropped(t *testing.T) {
	metrics := &fakeMetrics{}
	rec := NewRecorder(metrics, slog.Default())

	msg := apptMessage("notification.reminder.sent.v1",
		`{"account_id":"acct-1","appointment_id":"appt-1","sent_at":"yesterday"}`)
	if err := rec.ReminderSent(context.Background(), msg); err != nil {
		t.Fatalf("ReminderSent: %v", err)
	}
	if len(metrics.reminders) != 0 {
		t.Fatal("expected payload to be dropped")
	}
}
