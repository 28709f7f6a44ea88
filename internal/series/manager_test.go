package series

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/pawmi/pawmi-server/internal/apperr"
	"github.com/pawmi/pawmi-server/internal/model"
	"github.com/pawmi/pawmi-server/internal/selection"
)

// fakeStore is an in-memory Store with per-method failure injection, matching
// the single-statement semantics of the real one.
type fakeStore struct {
	appointments map[string]model.Appointment
	services     map[string]model.AppointmentService
	series       map[string]model.Series

	insertApptCalls  int
	failInsertApptAt int // fail the Nth InsertAppointment call (1-based)
	insertSvcCalls   int
	failInsertSvcAt  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		appointments: map[string]model.Appointment{},
		services:     map[string]model.AppointmentService{},
		series:       map[string]model.Series{},
	}
}

var errInjected = errors.New("injected store failure")

func (f *fakeStore) GetAppointment(_ context.Context, accountID, id string) (model.Appointment, error) {
	a, ok := f.appointments[id]
	if !ok || a.AccountID != accountID {
		return model.Appointment{}, apperr.NotFound("appointment not found")
	}
	return a, nil
}

func (f *fakeStore) InsertAppointment(_ context.Context, appt model.Appointment) error {
	f.insertApptCalls++
	if f.failInsertApptAt > 0 && f.insertApptCalls == f.failInsertApptAt {
		return errInjected
	}
	f.appointments[appt.ID] = appt
	return nil
}

func (f *fakeStore) UpdateAppointment(_ context.Context, appt model.Appointment) error {
	if _, ok := f.appointments[appt.ID]; !ok {
		return apperr.NotFound("appointment not found")
	}
	f.appointments[appt.ID] = appt
	return nil
}

func (f *fakeStore) DeleteAppointment(_ context.Context, accountID, id string) error {
	delete(f.appointments, id)
	for svcID, svc := range f.services {
		if svc.AppointmentID == id {
			delete(f.services, svcID)
		}
	}
	return nil
}

func (f *fakeStore) ListSeriesOccurrences(_ context.Context, accountID, seriesID string) ([]model.Appointment, error) {
	var out []model.Appointment
	for _, a := range f.appointments {
		if a.AccountID == accountID && a.SeriesID == seriesID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (f *fakeStore) DeleteSeriesOccurrences(_ context.Context, accountID, seriesID string, from time.Time) (int, error) {
	n := 0
	for id, a := range f.appointments {
		if a.AccountID == accountID && a.SeriesID == seriesID && !a.Date.Before(from) {
			delete(f.appointments, id)
			for svcID, svc := range f.services {
				if svc.AppointmentID == id {
					delete(f.services, svcID)
				}
			}
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ClearSeriesLink(_ context.Context, accountID, appointmentID string) error {
	a, ok := f.appointments[appointmentID]
	if !ok {
		return nil
	}
	a.SeriesID = ""
	a.SeriesOccurrence = nil
	f.appointments[appointmentID] = a
	return nil
}

func (f *fakeStore) ListServices(_ context.Context, accountID, appointmentID string) ([]model.AppointmentService, error) {
	var out []model.AppointmentService
	for _, svc := range f.services {
		if svc.AccountID == accountID && svc.AppointmentID == appointmentID {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) InsertService(_ context.Context, svc model.AppointmentService) error {
	f.insertSvcCalls++
	if f.failInsertSvcAt > 0 && f.insertSvcCalls == f.failInsertSvcAt {
		return errInjected
	}
	f.services[svc.ID] = svc
	return nil
}

func (f *fakeStore) UpdateService(_ context.Context, svc model.AppointmentService) error {
	f.services[svc.ID] = svc
	return nil
}

func (f *fakeStore) DeleteService(_ context.Context, accountID, id string) error {
	delete(f.services, id)
	return nil
}

func (f *fakeStore) GetSeries(_ context.Context, accountID, id string) (model.Series, error) {
	s, ok := f.series[id]
	if !ok || s.AccountID != accountID {
		return model.Series{}, apperr.NotFound("series not found")
	}
	return s, nil
}

func (f *fakeStore) InsertSeries(_ context.Context, s model.Series) error {
	f.series[s.ID] = s
	return nil
}

func (f *fakeStore) UpdateSeries(_ context.Context, s model.Series) error {
	f.series[s.ID] = s
	return nil
}

func (f *fakeStore) DeleteSeries(_ context.Context, accountID, id string) error {
	delete(f.series, id)
	return nil
}

func (f *fakeStore) DeactivateSeries(_ context.Context, accountID, id string) error {
	s, ok := f.series[id]
	if !ok {
		return apperr.NotFound("series not found")
	}
	s.Status = model.SeriesInactive
	f.series[id] = s
	return nil
}

const account = "acct-1"

func testManager(store *fakeStore) *Manager {
	return NewManager(store, slog.Default())
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func petSelections() []selection.Selection {
	return []selection.Selection{{ServiceID: "svc-1", PetID: "pet-1", AddonIDs: []string{"addon-1"}}}
}

func createRecurring(t *testing.T, m *Manager, count int) (model.Appointment, Outcome) {
	t.Helper()
	c := count
	appt, out, err := m.Create(context.Background(), account, CreateInput{
		CustomerID:      "cust-1",
		Date:            day(2024, time.June, 10),
		StartTime:       "14:00",
		DurationMinutes: 60,
		RecurrenceRule:  "FREQ=WEEKLY",
		RecurrenceCount: &c,
		Selections:      petSelections(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return appt, out
}

func TestCreate_Standalone(t *testing.T) {
	store := newFakeStore()
	m := testManager(store)

	appt, out, err := m.Create(context.Background(), account, CreateInput{
		CustomerID: "cust-1",
		Date:       day(2024, time.June, 10),
		StartTime:  "14:00",
		Selections: []selection.Selection{{ServiceID: "svc-1"}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out.Materialized {
		t.Fatal("no rule must not materialize a series")
	}
	if appt.Status != model.StatusScheduled || appt.PaymentStatus != model.PaymentPending {
		t.Fatalf("unexpected defaults: %s/%s", appt.Status, appt.PaymentStatus)
	}
	if len(store.appointments) != 1 || len(store.series) != 0 {
		t.Fatalf("expected 1 appointment 0 series, got %d/%d", len(store.appointments), len(store.series))
	}
}

func TestCreate_RequiresSelections(t *testing.T) {
	m := testManager(newFakeStore())
	_, _, err := m.Create(context.Background(), account, CreateInput{Date: day(2024, time.June, 10)})
	coded, ok := apperr.From(err)
	if !ok || coded.Code != "missing_service_selections" {
		t.Fatalf("expected missing_service_selections, got %v", err)
	}
}

func TestCreate_RecurringRequiresPets(t *testing.T) {
	m := testManager(newFakeStore())
	_, _, err := m.Create(context.Background(), account, CreateInput{
		Date:           day(2024, time.June, 10),
		RecurrenceRule: "FREQ=WEEKLY",
		Selections:     []selection.Selection{{ServiceID: "svc-1"}},
	})
	coded, ok := apperr.From(err)
	if !ok || coded.Code != "missing_pet_for_recurrence" {
		t.Fatalf("expected missing_pet_for_recurrence, got %v", err)
	}
}

func TestCreate_RecurringMaterializesSeries(t *testing.T) {
	store := newFakeStore()
	m := testManager(store)

	anchor, out := createRecurring(t, m, 5)
	if !out.Materialized || out.Occurrences != 4 {
		t.Fatalf("expected 4 extra occurrences, got %+v", out)
	}
	if anchor.SeriesID == "" || anchor.SeriesOccurrence == nil {
		t.Fatal("anchor must be linked to the series")
	}
	if len(store.appointments) != 5 {
		t.Fatalf("expected 5 appointments, got %d", len(store.appointments))
	}
	if len(store.series) != 1 {
		t.Fatalf("expected 1 series row, got %d", len(store.series))
	}
	// Every occurrence carries a copy of the anchor's selections.
	if len(store.services) != 5 {
		t.Fatalf("expected 5 service rows, got %d", len(store.services))
	}
	occs, _ := store.ListSeriesOccurrences(context.Background(), account, anchor.SeriesID)
	for i, occ := range occs {
		want := day(2024, time.June, 10).AddDate(0, 0, 7*i)
		if !occ.Date.Equal(want) {
			t.Fatalf("occurrence %d date %s, want %s", i, occ.Date, want)
		}
		if occ.SeriesOccurrence == nil || !occ.SeriesOccurrence.Equal(want) {
			t.Fatalf("occurrence %d series_occurrence mismatch", i)
		}
	}
	// Only the anchor keeps the recurrence rule.
	for _, occ := range occs[1:] {
		if occ.RecurrenceRule != "" {
			t.Fatal("generated occurrences must not carry the rule")
		}
	}
}

func TestCreate_FailureRollsBackEverything(t *testing.T) {
	store := newFakeStore()
	store.failInsertApptAt = 3 // anchor, occurrence 1, then boom
	m := testManager(store)

	c := 5
	_, _, err := m.Create(context.Background(), account, CreateInput{
		Date:            day(2024, time.June, 10),
		RecurrenceRule:  "FREQ=WEEKLY",
		RecurrenceCount: &c,
		Selections:      petSelections(),
	})
	if !errors.Is(err, errInjected) {
		t.Fatalf("expected injected error surfaced, got %v", err)
	}
	if len(store.appointments) != 0 || len(store.services) != 0 || len(store.series) != 0 {
		t.Fatalf("expected full rollback, got %d/%d/%d rows",
			len(store.appointments), len(store.services), len(store.series))
	}
}

func TestUpdate_DateChangeRebuildsFutureOnly(t *testing.T) {
	store := newFakeStore()
	m := testManager(store)
	anchor, _ := createRecurring(t, m, 6)

	before, _ := store.ListSeriesOccurrences(context.Background(), account, anchor.SeriesID)
	pastIDs := map[string]bool{}
	futureIDs := map[string]bool{}
	cut := dayAfter(day(2024, time.June, 11))
	for _, occ := range before {
		if occ.Date.Before(cut) {
			pastIDs[occ.ID] = true
		} else {
			futureIDs[occ.ID] = true
		}
	}

	newDate := day(2024, time.June, 11)
	_, out, err := m.Update(context.Background(), account, anchor.ID, UpdateInput{Date: &newDate})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !out.Rebuilt {
		t.Fatal("date change on a seriesed anchor must rebuild")
	}

	after, _ := store.ListSeriesOccurrences(context.Background(), account, anchor.SeriesID)
	for _, occ := range after {
		if occ.Date.Before(cut) {
			if !pastIDs[occ.ID] {
				t.Fatalf("pre-cut occurrence %s was replaced", occ.ID)
			}
			continue
		}
		if futureIDs[occ.ID] {
			t.Fatalf("future occurrence %s survived the rebuild", occ.ID)
		}
	}
	// Rebuilt from the new anchor date with the same count.
	if len(after) != 6 {
		t.Fatalf("expected 6 occurrences after rebuild, got %d", len(after))
	}
}

func TestUpdate_SingleScopeBypassesSeries(t *testing.T) {
	store := newFakeStore()
	m := testManager(store)
	anchor, _ := createRecurring(t, m, 4)

	before, _ := store.ListSeriesOccurrences(context.Background(), account, anchor.SeriesID)
	target := before[2]

	status := model.StatusConfirmed
	_, out, err := m.Update(context.Background(), account, target.ID, UpdateInput{
		Status: &status,
		Scope:  ScopeSingle,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if out.Rebuilt || out.Materialized || out.Cleared {
		t.Fatalf("single scope must not touch the series, got %+v", out)
	}

	after, _ := store.ListSeriesOccurrences(context.Background(), account, anchor.SeriesID)
	if len(after) != len(before) {
		t.Fatalf("occurrence count changed: %d -> %d", len(before), len(after))
	}
	got, _ := store.GetAppointment(context.Background(), account, target.ID)
	if got.Status != model.StatusConfirmed {
		t.Fatal("targeted row must be updated")
	}
}

func TestUpdate_ClearingRuleTearsDownSeries(t *testing.T) {
	store := newFakeStore()
	m := testManager(store)
	anchor, _ := createRecurring(t, m, 4) // anchor + 3 future occurrences

	updated, out, err := m.Update(context.Background(), account, anchor.ID, UpdateInput{
		Recurrence: &RecurrencePatch{Rule: ""},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !out.Cleared {
		t.Fatal("expected the series to be cleared")
	}
	if updated.SeriesID != "" || updated.RecurrenceRule != "" {
		t.Fatalf("anchor must be standalone, got %+v", updated)
	}
	if len(store.series) != 0 {
		t.Fatal("series row must be deleted")
	}
	if len(store.appointments) != 1 {
		t.Fatalf("expected only the anchor to remain, got %d", len(store.appointments))
	}
	got, _ := store.GetAppointment(context.Background(), account, anchor.ID)
	if got.SeriesID != "" || got.SeriesOccurrence != nil {
		t.Fatal("stored anchor must have its series link cleared")
	}
}

func TestUpdate_AttachingRuleMaterializes(t *testing.T) {
	store := newFakeStore()
	m := testManager(store)

	appt, _, err := m.Create(context.Background(), account, CreateInput{
		Date:       day(2024, time.June, 10),
		Selections: petSelections(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	c := 3
	updated, out, err := m.Update(context.Background(), account, appt.ID, UpdateInput{
		Recurrence: &RecurrencePatch{Rule: "FREQ=WEEKLY", Count: &c},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !out.Materialized || out.Occurrences != 2 {
		t.Fatalf("expected materialization with 2 new occurrences, got %+v", out)
	}
	if updated.SeriesID == "" {
		t.Fatal("anchor must be linked")
	}
	if len(store.appointments) != 3 {
		t.Fatalf("expected 3 appointments, got %d", len(store.appointments))
	}
}

func TestUpdate_SelectionsPreserveOmittedTier(t *testing.T) {
	store := newFakeStore()
	m := testManager(store)

	tier := "tier-1"
	appt, _, err := m.Create(context.Background(), account, CreateInput{
		Date: day(2024, time.June, 10),
		Selections: []selection.Selection{
			{ServiceID: "svc-1", PetID: "pet-1", PriceTierID: &tier, TierSet: true},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Same service, new pet, no tier opinion.
	_, _, err = m.Update(context.Background(), account, appt.ID, UpdateInput{
		Selections:    []selection.Selection{{ServiceID: "svc-1", PetID: "pet-2"}},
		SelectionsSet: true,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	rows, _ := store.ListServices(context.Background(), account, appt.ID)
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].PetID != "pet-2" {
		t.Fatal("pet reassignment must apply")
	}
	if rows[0].PriceTierID == nil || *rows[0].PriceTierID != "tier-1" {
		t.Fatal("omitted tier must be preserved across the update")
	}
}

func TestUpdate_NotFound(t *testing.T) {
	m := testManager(newFakeStore())
	_, _, err := m.Update(context.Background(), account, "missing", UpdateInput{})
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteSeries_FromDate(t *testing.T) {
	store := newFakeStore()
	m := testManager(store)
	anchor, _ := createRecurring(t, m, 5)

	from := day(2024, time.June, 24)
	deleted, err := m.DeleteSeries(context.Background(), account, anchor.SeriesID, &from)
	if err != nil {
		t.Fatalf("delete series: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 occurrences deleted, got %d", deleted)
	}
	remaining, _ := store.ListSeriesOccurrences(context.Background(), account, anchor.SeriesID)
	for _, occ := range remaining {
		if !occ.Date.Before(from) {
			t.Fatalf("occurrence %s survived past from_date", occ.Date)
		}
	}
	if s := store.series[anchor.SeriesID]; s.Status != model.SeriesInactive {
		t.Fatal("series must be deactivated")
	}
}

func TestOccurrences_UnknownSeries(t *testing.T) {
	m := testManager(newFakeStore())
	if _, err := m.Occurrences(context.Background(), account, "missing"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
