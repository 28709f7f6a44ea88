package billing

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pawmi/pawmi-server/internal/apperr"
	"github.com/pawmi/pawmi-server/internal/model"
)

type fakeEntStore struct {
	ent map[string]model.AccountEntitlements
}

func (f *fakeEntStore) GetEntitlements(_ context.Context, accountID string) (model.AccountEntitlements, error) {
	ent, ok := f.ent[accountID]
	if !ok {
		return model.AccountEntitlements{}, apperr.NotFound("no entitlements for account")
	}
	return ent, nil
}

func (f *fakeEntStore) UpsertEntitlements(_ context.Context, ent model.AccountEntitlements) error {
	if f.ent == nil {
		f.ent = map[string]model.AccountEntitlements{}
	}
	f.ent[ent.AccountID] = ent
	return nil
}

type fakeUsage struct {
	count int
}

func (f *fakeUsage) CountMonthlyAppointments(context.Context, string, time.Time) (int, error) {
	return f.count, nil
}

func TestResolve_DefaultsToFreeTier(t *testing.T) {
	e := NewEnforcer(&fakeEntStore{}, &fakeUsage{})
	limits, err := e.Resolve(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if limits.Tier != "free" {
		t.Fatalf("expected free tier fallback, got %q", limits.Tier)
	}
}

func TestCheckMonthlyCap_Blocks(t *testing.T) {
	store := &fakeEntStore{ent: map[string]model.AccountEntitlements{
		"acct-1": {AccountID: "acct-1", Tier: "starter"},
	}}
	usage := &fakeUsage{count: 199}
	e := NewEnforcer(store, usage)
	at := time.Date(2024, time.June, 10, 0, 0, 0, 0, time.UTC)

	if err := e.CheckMonthlyCap(context.Background(), "acct-1", at, 1); err != nil {
		t.Fatalf("one more appointment should fit: %v", err)
	}
	err := e.CheckMonthlyCap(context.Background(), "acct-1", at, 2)
	if err == nil {
		t.Fatal("expected cap error")
	}
	coded, ok := apperr.From(err)
	if !ok || coded.Status != http.StatusPaymentRequired || coded.Code != "monthly_appointment_cap" {
		t.Fatalf("expected 402 monthly_appointment_cap, got %v", err)
	}
}

func TestCheckMonthlyCap_CountsWholeSeries(t *testing.T) {
	store := &fakeEntStore{ent: map[string]model.AccountEntitlements{
		"acct-1": {AccountID: "acct-1", Tier: "free"},
	}}
	usage := &fakeUsage{count: 45}
	e := NewEnforcer(store, usage)
	at := time.Date(2024, time.June, 10, 0, 0, 0, 0, time.UTC)

	if err := e.CheckMonthlyCap(context.Background(), "acct-1", at, 10); err == nil {
		t.Fatal("a 10-occurrence series must not leapfrog the cap")
	}
}

func TestCheckMonthlyCap_RowOverridesTierDefault(t *testing.T) {
	store := &fakeEntStore{ent: map[string]model.AccountEntitlements{
		"acct-1": {AccountID: "acct-1", Tier: "free", MaxMonthlyAppointments: 3},
	}}
	usage := &fakeUsage{count: 3}
	e := NewEnforcer(store, usage)
	at := time.Date(2024, time.June, 10, 0, 0, 0, 0, time.UTC)

	if err := e.CheckMonthlyCap(context.Background(), "acct-1", at, 1); err == nil {
		t.Fatal("stored row cap must win over the tier default")
	}
}
