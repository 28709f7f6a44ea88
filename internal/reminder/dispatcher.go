// Package reminder implements the scheduled reminder dispatch run: scan
// upcoming appointments, compute due reminders per member preference, dedupe
// against the notification ledger and hand batches to the push sender.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pawmi/pawmi-server/internal/model"
	"github.com/pawmi/pawmi-server/internal/prefs"
	"github.com/pawmi/pawmi-server/internal/push"
)

// DefaultWindowMinutes is the half-width of the "is it time" band around now.
const DefaultWindowMinutes = 10

// SentReminder is one ledger entry the dedupe check consults. Only rows with
// status sent suppress a resend; failed attempts stay eligible until the
// window closes.
type SentReminder struct {
	UserID        string
	AppointmentID string
	OffsetMinutes int
}

// Store is the read/write surface of a dispatch run.
type Store interface {
	ListAcceptedMembers(ctx context.Context) ([]model.AccountMember, error)
	// ListPreferences returns stored (possibly partial) preference documents
	// keyed by user id. Absent users simply have no entry.
	ListPreferences(ctx context.Context, userIDs []string) (map[string]*prefs.Patch, error)
	// ListCandidateAppointments returns appointments dated inside [from, to]
	// excluding cancelled, completed and in-progress ones.
	ListCandidateAppointments(ctx context.Context, from, to time.Time) ([]model.Appointment, error)
	// ListSentReminders returns reminder ledger rows with status sent
	// created at or after since.
	ListSentReminders(ctx context.Context, since time.Time) ([]SentReminder, error)
	InsertNotification(ctx context.Context, n model.Notification) error
	// ListActiveDeviceTokens returns active tokens grouped by user id.
	ListActiveDeviceTokens(ctx context.Context, userIDs []string) (map[string][]model.DeviceToken, error)
	DeactivateDeviceToken(ctx context.Context, id string) error
}

// Summary is the run report returned to the cron caller.
type Summary struct {
	Processed int `json:"processed"`
	Computed  int `json:"computed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// EventSink receives one event per delivered reminder. Wired to the outbox
// in production; nil disables emission.
type EventSink interface {
	ReminderSent(ctx context.Context, accountID, userID, appointmentID string, offsetMinutes int)
}

type Dispatcher struct {
	store         Store
	sender        push.Sender
	logger        *slog.Logger
	windowMinutes int

	// Events, when set, is notified after each successful delivery.
	Events EventSink
}

func NewDispatcher(store Store, sender push.Sender, logger *slog.Logger, windowMinutes int) *Dispatcher {
	if windowMinutes <= 0 {
		windowMinutes = DefaultWindowMinutes
	}
	return &Dispatcher{
		store:         store,
		sender:        sender,
		logger:        logger,
		windowMinutes: windowMinutes,
	}
}

type eligibleMember struct {
	userID  string
	offsets []int
}

// a (user, appointment, offset) triple that survived the time-band check.
type due struct {
	userID        string
	appointmentID string
	accountID     string
	offset        int
	startAt       time.Time
}

// Run executes one dispatch pass around now. Failures sending to one group do
// not abort the rest of the run; they are logged, counted and recorded in the
// ledger as failed.
func (d *Dispatcher) Run(ctx context.Context, now time.Time) (Summary, error) {
	var sum Summary

	members, err := d.store.ListAcceptedMembers(ctx)
	if err != nil {
		return sum, err
	}
	userIDs := make([]string, 0, len(members))
	for _, m := range members {
		userIDs = append(userIDs, m.UserID)
	}
	stored, err := d.store.ListPreferences(ctx, userIDs)
	if err != nil {
		return sum, err
	}

	// Members with the reminder toggle on and at least one valid offset.
	eligible := map[string][]eligibleMember{}
	for _, m := range members {
		doc := prefs.Resolve(stored[m.UserID])
		if !doc.Push.Appointments.Reminder || len(doc.ReminderOffsets) == 0 {
			continue
		}
		eligible[m.AccountID] = append(eligible[m.AccountID], eligibleMember{
			userID:  m.UserID,
			offsets: doc.ReminderOffsets,
		})
	}
	if len(eligible) == 0 {
		return sum, nil
	}

	window := time.Duration(d.windowMinutes) * time.Minute
	// Loose, index-friendly pre-filter on the appointment date. Appointment
	// rows may carry offset overrides larger than any member's configured
	// offsets, so the bound has to assume the widest legal offset. The real
	// "is it time" test is the tight band below.
	span := time.Duration(prefs.MaxOffsetMinutes)*time.Minute + window
	appointments, err := d.store.ListCandidateAppointments(ctx, dateOnly(now.Add(-span)), dateOnly(now.Add(span)))
	if err != nil {
		return sum, err
	}
	sum.Processed = len(appointments)

	ledger, err := d.store.ListSentReminders(ctx, now.Add(-span))
	if err != nil {
		return sum, err
	}
	alreadySent := map[string]bool{}
	for _, row := range ledger {
		alreadySent[dedupeKey(row.UserID, row.AppointmentID, row.OffsetMinutes)] = true
	}

	var dueTriples []due
	for _, appt := range appointments {
		start := startAt(appt)
		// Per-appointment override wins when it yields anything valid.
		override := prefs.NormalizeOffsets(appt.ReminderOffsets, nil)
		for _, member := range eligible[appt.AccountID] {
			offsets := member.offsets
			if len(override) > 0 {
				offsets = override
			}
			for _, offset := range offsets {
				remindAt := start.Add(-time.Duration(offset) * time.Minute)
				if remindAt.Before(now.Add(-window)) || remindAt.After(now.Add(window)) {
					continue
				}
				sum.Computed++
				if alreadySent[dedupeKey(member.userID, appt.ID, offset)] {
					sum.Skipped++
					continue
				}
				dueTriples = append(dueTriples, due{
					userID:        member.userID,
					appointmentID: appt.ID,
					accountID:     appt.AccountID,
					offset:        offset,
					startAt:       start,
				})
			}
		}
	}
	if len(dueTriples) == 0 {
		return sum, nil
	}

	d.send(ctx, dueTriples, &sum)
	return sum, nil
}

// send groups due triples by (appointment, offset) so one push covers every
// recipient of that reminder, then records one ledger row per recipient.
func (d *Dispatcher) send(ctx context.Context, triples []due, sum *Summary) {
	groups := map[string][]due{}
	var order []string
	for _, t := range triples {
		key := dedupeKey("", t.appointmentID, t.offset)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], t)
	}
	sort.Strings(order)

	userIDs := map[string]bool{}
	for _, t := range triples {
		userIDs[t.userID] = true
	}
	ids := make([]string, 0, len(userIDs))
	for id := range userIDs {
		ids = append(ids, id)
	}
	tokensByUser, err := d.store.ListActiveDeviceTokens(ctx, ids)
	if err != nil {
		d.logger.Error("loading device tokens failed", "err", err)
		for _, t := range triples {
			sum.Failed++
			d.record(ctx, t, model.NotificationFailed)
		}
		return
	}

	for _, key := range order {
		group := groups[key]
		d.sendGroup(ctx, group, tokensByUser, sum)
	}
}

func (d *Dispatcher) sendGroup(ctx context.Context, group []due, tokensByUser map[string][]model.DeviceToken, sum *Summary) {
	var recipients []due
	var to []string
	var flatTokens []model.DeviceToken
	var owners []int // flattened token index -> recipients index
	for _, t := range group {
		var usable []model.DeviceToken
		for _, tok := range tokensByUser[t.userID] {
			if push.IsValidToken(tok.Token) {
				usable = append(usable, tok)
			}
		}
		if len(usable) == 0 {
			sum.Skipped++
			continue
		}
		idx := len(recipients)
		recipients = append(recipients, t)
		for _, tok := range usable {
			owners = append(owners, idx)
			flatTokens = append(flatTokens, tok)
			to = append(to, tok.Token)
		}
	}
	if len(recipients) == 0 {
		return
	}

	ref := group[0]
	msg := push.Message{
		To:    to,
		Title: "Upcoming appointment",
		Body:  fmt.Sprintf("You have an appointment at %s", ref.startAt.Format("15:04")),
		Data: map[string]string{
			"type":           model.TypeAppointmentReminder,
			"appointment_id": ref.appointmentID,
		},
		Sound: "default",
	}

	receipts, err := d.sender.Send(ctx, []push.Message{msg})
	if err != nil {
		d.logger.Error("push send failed", "appointment_id", ref.appointmentID, "offset", ref.offset, "err", err)
		for _, rcpt := range recipients {
			sum.Failed++
			d.record(ctx, rcpt, model.NotificationFailed)
		}
		return
	}

	// Receipts come back one per token in send order.
	delivered := make([]bool, len(recipients))
	for i, receipt := range receipts {
		if i >= len(owners) {
			break
		}
		if receipt.OK() {
			delivered[owners[i]] = true
			continue
		}
		if receipt.DeviceNotRegistered() {
			tok := flatTokens[i]
			if err := d.store.DeactivateDeviceToken(ctx, tok.ID); err != nil {
				d.logger.Error("deactivating device token failed", "token_id", tok.ID, "err", err)
			}
		}
	}

	for i, rcpt := range recipients {
		if delivered[i] {
			sum.Sent++
			d.record(ctx, rcpt, model.NotificationSent)
		} else {
			sum.Failed++
			d.record(ctx, rcpt, model.NotificationFailed)
		}
	}
}

func (d *Dispatcher) record(ctx context.Context, t due, status string) {
	n := model.Notification{
		AccountID:     t.accountID,
		UserID:        t.userID,
		Type:          model.TypeAppointmentReminder,
		Title:         "Upcoming appointment",
		Body:          fmt.Sprintf("You have an appointment at %s", t.startAt.Format("15:04")),
		AppointmentID: t.appointmentID,
		OffsetMinutes: t.offset,
		Status:        status,
	}
	if err := d.store.InsertNotification(ctx, n); err != nil {
		d.logger.Error("writing notification ledger row failed",
			"appointment_id", t.appointmentID, "user_id", t.userID, "err", err)
	}
	if status == model.NotificationSent && d.Events != nil {
		d.Events.ReminderSent(ctx, t.accountID, t.userID, t.appointmentID, t.offset)
	}
}

// startAt combines an appointment's calendar date and wall-clock start time
// in its timezone (UTC when unset or unknown).
func startAt(a model.Appointment) time.Time {
	loc := time.UTC
	if a.Timezone != "" {
		if l, err := time.LoadLocation(a.Timezone); err == nil {
			loc = l
		}
	}
	hour, min := 0, 0
	if t, err := time.Parse("15:04", a.StartTime); err == nil {
		hour, min = t.Hour(), t.Minute()
	}
	return time.Date(a.Date.Year(), a.Date.Month(), a.Date.Day(), hour, min, 0, 0, loc)
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dedupeKey(userID, appointmentID string, offset int) string {
	return fmt.Sprintf("%s|%s|%d", userID, appointmentID, offset)
}
