// Package series manages recurring appointment series: creating them from a
// recurrence rule, rebuilding future occurrences when the anchor changes, and
// tearing them down when the rule is cleared.
package series

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pawmi/pawmi-server/internal/apperr"
	"github.com/pawmi/pawmi-server/internal/model"
	"github.com/pawmi/pawmi-server/internal/recurrence"
	"github.com/pawmi/pawmi-server/internal/selection"
)

const (
	ScopeSingle = "single"
	ScopeFuture = "future"
)

type Manager struct {
	store  Store
	logger *slog.Logger
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// CreateInput is a new appointment plus its optional recurrence definition.
type CreateInput struct {
	CustomerID      string
	Date            time.Time
	StartTime       string
	DurationMinutes int
	Status          string
	PaymentStatus   string
	Notes           string
	Timezone        string

	RecurrenceRule  string
	RecurrenceCount *int
	RecurrenceUntil *time.Time

	ReminderOffsets []int

	Selections []selection.Selection
}

// RecurrencePatch is the recurrence portion of an update. A nil patch on
// UpdateInput leaves recurrence untouched; an empty Rule clears it.
type RecurrencePatch struct {
	Rule  string
	Count *int
	Until *time.Time
}

// UpdateInput carries only the fields the caller supplied. Nil means
// untouched. Selections follow the same convention via SelectionsSet.
type UpdateInput struct {
	CustomerID      *string
	Date            *time.Time
	StartTime       *string
	DurationMinutes *int
	Status          *string
	PaymentStatus   *string
	Notes           *string
	Timezone        *string
	ReminderOffsets []int

	Recurrence *RecurrencePatch

	Selections    []selection.Selection
	SelectionsSet bool

	// Scope is "single" or "future" (the default). Single-occurrence edits
	// bypass the series machinery entirely.
	Scope string
}

// Outcome reports which series transition an update performed.
type Outcome struct {
	Materialized bool // a new series was created and expanded
	Rebuilt      bool // future occurrences were deleted and re-expanded
	Cleared      bool // the rule was removed and the series torn down
	Occurrences  int  // occurrences inserted by this operation (anchor excluded)
}

// Create inserts a new appointment and, when its rule parses as recurring,
// materializes the series: one Appointment plus AppointmentService rows per
// occurrence date, the anchor serving as the first occurrence. All writes are
// undone by compensating deletes if any step fails.
func (m *Manager) Create(ctx context.Context, accountID string, in CreateInput) (model.Appointment, Outcome, error) {
	var out Outcome
	if len(in.Selections) == 0 {
		return model.Appointment{}, out, apperr.Validation("missing_service_selections", "at least one service selection is required")
	}

	rule := recurrence.ParseRule(in.RecurrenceRule)
	if rule.Recurring() && !selection.EveryPetAssigned(in.Selections) {
		return model.Appointment{}, out, apperr.Validation("missing_pet_for_recurrence", "recurring appointments require a pet on every selection")
	}

	anchor := model.Appointment{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		CustomerID:      in.CustomerID,
		Date:            in.Date,
		StartTime:       in.StartTime,
		DurationMinutes: in.DurationMinutes,
		Status:          defaultString(in.Status, model.StatusScheduled),
		PaymentStatus:   defaultString(in.PaymentStatus, model.PaymentPending),
		Notes:           in.Notes,
		Timezone:        in.Timezone,
		RecurrenceRule:  in.RecurrenceRule,
		RecurrenceCount: in.RecurrenceCount,
		RecurrenceUntil: in.RecurrenceUntil,
		ReminderOffsets: in.ReminderOffsets,
	}

	undo := newUndoLog(m.logger)
	if err := m.store.InsertAppointment(ctx, anchor); err != nil {
		return model.Appointment{}, out, err
	}
	undo.add(func(ctx context.Context) error {
		return m.store.DeleteAppointment(ctx, accountID, anchor.ID)
	})

	if err := m.insertSelections(ctx, accountID, anchor.ID, in.Selections, undo); err != nil {
		undo.rollback(ctx)
		return model.Appointment{}, out, err
	}

	if rule.Recurring() {
		inserted, err := m.materialize(ctx, &anchor, in.Selections, undo)
		if err != nil {
			undo.rollback(ctx)
			return model.Appointment{}, out, err
		}
		out.Materialized = true
		out.Occurrences = inserted
	}

	return anchor, out, nil
}

// Update applies an edit to one appointment. With scope "future" it also
// drives the series state machine: anchored appointments materialize, series
// anchors rebuild when the rule, bounds, date/time or selections change, and
// clearing the rule tears the series down (future occurrences only).
func (m *Manager) Update(ctx context.Context, accountID, id string, in UpdateInput) (model.Appointment, Outcome, error) {
	var out Outcome

	anchor, err := m.store.GetAppointment(ctx, accountID, id)
	if err != nil {
		return model.Appointment{}, out, err
	}

	if in.SelectionsSet && len(in.Selections) == 0 {
		return model.Appointment{}, out, apperr.Validation("missing_service_selections", "service_selections cannot be emptied")
	}

	updated := anchor
	dateTimeChanged := applyPatch(&updated, in)

	scope := in.Scope
	if scope == "" {
		scope = ScopeFuture
	}
	if scope == ScopeSingle {
		// Only the targeted row; recurrence fields stay as they are.
		if err := m.store.UpdateAppointment(ctx, updated); err != nil {
			return model.Appointment{}, out, err
		}
		if in.SelectionsSet {
			if err := m.reconcileSelections(ctx, accountID, updated.ID, in.Selections); err != nil {
				return model.Appointment{}, out, err
			}
		}
		return updated, out, nil
	}

	newRule := anchor.RecurrenceRule
	ruleChanged, boundsChanged := false, false
	if in.Recurrence != nil {
		newRule = in.Recurrence.Rule
		ruleChanged = newRule != anchor.RecurrenceRule
		boundsChanged = !intPtrEqual(in.Recurrence.Count, anchor.RecurrenceCount) ||
			!timePtrEqual(in.Recurrence.Until, anchor.RecurrenceUntil)
		updated.RecurrenceRule = in.Recurrence.Rule
		updated.RecurrenceCount = in.Recurrence.Count
		updated.RecurrenceUntil = in.Recurrence.Until
	}
	parsed := recurrence.ParseRule(newRule)

	if parsed.Recurring() {
		sels := in.Selections
		if !in.SelectionsSet {
			existing, err := m.store.ListServices(ctx, accountID, anchor.ID)
			if err != nil {
				return model.Appointment{}, out, err
			}
			sels = selectionsFromRows(existing)
		}
		if !selection.EveryPetAssigned(sels) {
			return model.Appointment{}, out, apperr.Validation("missing_pet_for_recurrence", "recurring appointments require a pet on every selection")
		}
	}

	switch {
	case anchor.SeriesID == "" && parsed.Recurring():
		// Anchored: first save with a rule creates the series.
		if err := m.store.UpdateAppointment(ctx, updated); err != nil {
			return model.Appointment{}, out, err
		}
		if in.SelectionsSet {
			if err := m.reconcileSelections(ctx, accountID, updated.ID, in.Selections); err != nil {
				return model.Appointment{}, out, err
			}
		}
		current, err := m.currentSelections(ctx, accountID, updated.ID)
		if err != nil {
			return model.Appointment{}, out, err
		}
		undo := newUndoLog(m.logger)
		inserted, err := m.materialize(ctx, &updated, current, undo)
		if err != nil {
			undo.rollback(ctx)
			return model.Appointment{}, out, err
		}
		out.Materialized = true
		out.Occurrences = inserted
		return updated, out, nil

	case anchor.SeriesID != "" && in.Recurrence != nil && !parsed.Recurring():
		// Seriesed -> Standalone: drop future occurrences, unlink, delete
		// the series row.
		if _, err := m.store.DeleteSeriesOccurrences(ctx, accountID, anchor.SeriesID, dayAfter(updated.Date)); err != nil {
			return model.Appointment{}, out, err
		}
		updated.SeriesID = ""
		updated.SeriesOccurrence = nil
		updated.RecurrenceRule = ""
		updated.RecurrenceCount = nil
		updated.RecurrenceUntil = nil
		if err := m.store.UpdateAppointment(ctx, updated); err != nil {
			return model.Appointment{}, out, err
		}
		if err := m.store.ClearSeriesLink(ctx, accountID, updated.ID); err != nil {
			return model.Appointment{}, out, err
		}
		if in.SelectionsSet {
			if err := m.reconcileSelections(ctx, accountID, updated.ID, in.Selections); err != nil {
				return model.Appointment{}, out, err
			}
		}
		if err := m.store.DeleteSeries(ctx, accountID, anchor.SeriesID); err != nil {
			return model.Appointment{}, out, err
		}
		out.Cleared = true
		return updated, out, nil

	case anchor.SeriesID != "" && (ruleChanged || boundsChanged || dateTimeChanged || in.SelectionsSet):
		if err := m.store.UpdateAppointment(ctx, updated); err != nil {
			return model.Appointment{}, out, err
		}
		if in.SelectionsSet {
			if err := m.reconcileSelections(ctx, accountID, updated.ID, in.Selections); err != nil {
				return model.Appointment{}, out, err
			}
		}
		inserted, err := m.rebuild(ctx, &updated, parsed)
		if err != nil {
			return model.Appointment{}, out, err
		}
		out.Rebuilt = true
		out.Occurrences = inserted
		return updated, out, nil

	default:
		if err := m.store.UpdateAppointment(ctx, updated); err != nil {
			return model.Appointment{}, out, err
		}
		if in.SelectionsSet {
			if err := m.reconcileSelections(ctx, accountID, updated.ID, in.Selections); err != nil {
				return model.Appointment{}, out, err
			}
		}
		return updated, out, nil
	}
}

// Occurrences lists a series' appointments, date ascending.
func (m *Manager) Occurrences(ctx context.Context, accountID, seriesID string) ([]model.Appointment, error) {
	if _, err := m.store.GetSeries(ctx, accountID, seriesID); err != nil {
		return nil, err
	}
	return m.store.ListSeriesOccurrences(ctx, accountID, seriesID)
}

// DeleteSeries removes occurrences from the given date onward (today when
// absent) and deactivates the series. Past occurrences stay.
func (m *Manager) DeleteSeries(ctx context.Context, accountID, seriesID string, from *time.Time) (int, error) {
	if _, err := m.store.GetSeries(ctx, accountID, seriesID); err != nil {
		return 0, err
	}
	start := today()
	if from != nil {
		start = *from
	}
	deleted, err := m.store.DeleteSeriesOccurrences(ctx, accountID, seriesID, start)
	if err != nil {
		return 0, err
	}
	if err := m.store.DeactivateSeries(ctx, accountID, seriesID); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// materialize creates the series row for anchor, links the anchor as the
// first occurrence and inserts the remaining occurrences with copies of the
// anchor's selections. Writes append to undo; the caller rolls back on error.
func (m *Manager) materialize(ctx context.Context, anchor *model.Appointment, sels []selection.Selection, undo *undoLog) (int, error) {
	accountID := anchor.AccountID
	s := model.Series{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		Rule:            anchor.RecurrenceRule,
		Interval:        recurrence.ParseRule(anchor.RecurrenceRule).Interval,
		Count:           anchor.RecurrenceCount,
		Until:           anchor.RecurrenceUntil,
		StartDate:       anchor.Date,
		StartTime:       anchor.StartTime,
		DurationMinutes: anchor.DurationMinutes,
		Timezone:        anchor.Timezone,
		Notes:           anchor.Notes,
		Status:          model.SeriesActive,
	}
	if err := m.store.InsertSeries(ctx, s); err != nil {
		return 0, err
	}
	undo.add(func(ctx context.Context) error {
		return m.store.DeleteSeries(ctx, accountID, s.ID)
	})

	anchor.SeriesID = s.ID
	occ := anchor.Date
	anchor.SeriesOccurrence = &occ
	if err := m.store.UpdateAppointment(ctx, *anchor); err != nil {
		return 0, err
	}
	undo.add(func(ctx context.Context) error {
		return m.store.ClearSeriesLink(ctx, accountID, anchor.ID)
	})

	count := 0
	if anchor.RecurrenceCount != nil {
		count = *anchor.RecurrenceCount
	}
	dates := recurrence.Expand(anchor.Date, anchor.RecurrenceRule, count, anchor.RecurrenceUntil)
	inserted, err := m.insertOccurrences(ctx, anchor, s.ID, dates[1:], sels, undo)
	if err != nil {
		return inserted, err
	}
	return inserted, nil
}

// rebuild replaces a series' future occurrences after an anchor edit. The
// deletes cannot be compensated, so the undo log only covers the re-inserts.
func (m *Manager) rebuild(ctx context.Context, anchor *model.Appointment, rule recurrence.Rule) (int, error) {
	accountID := anchor.AccountID

	s, err := m.store.GetSeries(ctx, accountID, anchor.SeriesID)
	if err != nil {
		return 0, err
	}
	s.Rule = anchor.RecurrenceRule
	s.Interval = rule.Interval
	s.Count = anchor.RecurrenceCount
	s.Until = anchor.RecurrenceUntil
	s.StartDate = anchor.Date
	s.StartTime = anchor.StartTime
	s.DurationMinutes = anchor.DurationMinutes
	s.Timezone = anchor.Timezone
	s.Notes = anchor.Notes
	if err := m.store.UpdateSeries(ctx, s); err != nil {
		return 0, err
	}

	if _, err := m.store.DeleteSeriesOccurrences(ctx, accountID, s.ID, dayAfter(anchor.Date)); err != nil {
		return 0, err
	}

	occ := anchor.Date
	if anchor.SeriesOccurrence == nil || !anchor.SeriesOccurrence.Equal(occ) {
		anchor.SeriesOccurrence = &occ
		if err := m.store.UpdateAppointment(ctx, *anchor); err != nil {
			return 0, err
		}
	}

	sels, err := m.currentSelections(ctx, accountID, anchor.ID)
	if err != nil {
		return 0, err
	}

	count := 0
	if anchor.RecurrenceCount != nil {
		count = *anchor.RecurrenceCount
	}
	dates := recurrence.Expand(anchor.Date, anchor.RecurrenceRule, count, anchor.RecurrenceUntil)

	undo := newUndoLog(m.logger)
	inserted, err := m.insertOccurrences(ctx, anchor, s.ID, dates[1:], sels, undo)
	if err != nil {
		undo.rollback(ctx)
		return 0, err
	}
	return inserted, nil
}

// insertOccurrences writes one appointment plus service rows per date,
// sequentially, recording each write so the caller has a well-defined
// "inserted so far" set to undo.
func (m *Manager) insertOccurrences(ctx context.Context, anchor *model.Appointment, seriesID string, dates []time.Time, sels []selection.Selection, undo *undoLog) (int, error) {
	accountID := anchor.AccountID
	inserted := 0
	for _, d := range dates {
		d := d
		occurrence := model.Appointment{
			ID:               uuid.NewString(),
			AccountID:        accountID,
			CustomerID:       anchor.CustomerID,
			Date:             d,
			StartTime:        anchor.StartTime,
			DurationMinutes:  anchor.DurationMinutes,
			Status:           model.StatusScheduled,
			PaymentStatus:    model.PaymentPending,
			Notes:            anchor.Notes,
			Timezone:         anchor.Timezone,
			SeriesID:         seriesID,
			SeriesOccurrence: &d,
			ReminderOffsets:  anchor.ReminderOffsets,
		}
		if err := m.store.InsertAppointment(ctx, occurrence); err != nil {
			return inserted, err
		}
		undo.add(func(ctx context.Context) error {
			return m.store.DeleteAppointment(ctx, accountID, occurrence.ID)
		})
		if err := m.insertSelections(ctx, accountID, occurrence.ID, sels, undo); err != nil {
			return inserted, err
		}
		inserted++
	}
	return inserted, nil
}

func (m *Manager) insertSelections(ctx context.Context, accountID, appointmentID string, sels []selection.Selection, undo *undoLog) error {
	for _, sel := range sels {
		svc := model.AppointmentService{
			ID:             uuid.NewString(),
			AppointmentID:  appointmentID,
			AccountID:      accountID,
			ServiceID:      sel.ServiceID,
			PetID:          sel.PetID,
			PriceTierID:    sel.PriceTierID,
			PriceTierLabel: sel.PriceTierLabel,
			Price:          sel.Price,
			AddonIDs:       sel.AddonIDs,
		}
		if err := m.store.InsertService(ctx, svc); err != nil {
			return err
		}
		id := svc.ID
		undo.add(func(ctx context.Context) error {
			return m.store.DeleteService(ctx, accountID, id)
		})
	}
	return nil
}

// reconcileSelections applies an update's selections against the stored rows
// using the (service, pet) matching rules, preserving tier/addon data the
// caller expressed no opinion about.
func (m *Manager) reconcileSelections(ctx context.Context, accountID, appointmentID string, incoming []selection.Selection) error {
	existing, err := m.store.ListServices(ctx, accountID, appointmentID)
	if err != nil {
		return err
	}
	res := selection.Match(existing, incoming)
	for _, pair := range res.Matched {
		if err := m.store.UpdateService(ctx, selection.Apply(pair)); err != nil {
			return err
		}
	}
	for _, sel := range res.Inserts {
		svc := model.AppointmentService{
			ID:             uuid.NewString(),
			AppointmentID:  appointmentID,
			AccountID:      accountID,
			ServiceID:      sel.ServiceID,
			PetID:          sel.PetID,
			PriceTierID:    sel.PriceTierID,
			PriceTierLabel: sel.PriceTierLabel,
			Price:          sel.Price,
			AddonIDs:       sel.AddonIDs,
		}
		if err := m.store.InsertService(ctx, svc); err != nil {
			return err
		}
	}
	for _, id := range res.DeleteIDs {
		if err := m.store.DeleteService(ctx, accountID, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) currentSelections(ctx context.Context, accountID, appointmentID string) ([]selection.Selection, error) {
	rows, err := m.store.ListServices(ctx, accountID, appointmentID)
	if err != nil {
		return nil, err
	}
	return selectionsFromRows(rows), nil
}

func selectionsFromRows(rows []model.AppointmentService) []selection.Selection {
	sels := make([]selection.Selection, 0, len(rows))
	for _, row := range rows {
		sels = append(sels, selection.Selection{
			ServiceID:      row.ServiceID,
			PetID:          row.PetID,
			PriceTierID:    row.PriceTierID,
			PriceTierLabel: row.PriceTierLabel,
			Price:          row.Price,
			AddonIDs:       row.AddonIDs,
			TierSet:        true,
			AddonsSet:      true,
		})
	}
	return sels
}

func applyPatch(appt *model.Appointment, in UpdateInput) (dateTimeChanged bool) {
	if in.CustomerID != nil {
		appt.CustomerID = *in.CustomerID
	}
	if in.Date != nil && !in.Date.Equal(appt.Date) {
		appt.Date = *in.Date
		dateTimeChanged = true
	}
	if in.StartTime != nil && *in.StartTime != appt.StartTime {
		appt.StartTime = *in.StartTime
		dateTimeChanged = true
	}
	if in.DurationMinutes != nil {
		appt.DurationMinutes = *in.DurationMinutes
	}
	if in.Status != nil {
		appt.Status = *in.Status
	}
	if in.PaymentStatus != nil {
		appt.PaymentStatus = *in.PaymentStatus
	}
	if in.Notes != nil {
		appt.Notes = *in.Notes
	}
	if in.Timezone != nil {
		appt.Timezone = *in.Timezone
	}
	if in.ReminderOffsets != nil {
		appt.ReminderOffsets = in.ReminderOffsets
	}
	return dateTimeChanged
}

func dayAfter(d time.Time) time.Time {
	return d.AddDate(0, 0, 1)
}

func today() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
