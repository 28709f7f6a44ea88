package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/pawmi/pawmi-server/internal/apperr"
	"github.com/pawmi/pawmi-server/internal/model"
)

type EntitlementStore interface {
	GetEntitlements(ctx context.Context, accountID string) (model.AccountEntitlements, error)
	UpsertEntitlements(ctx context.Context, ent model.AccountEntitlements) error
}

type UsageStore interface {
	CountMonthlyAppointments(ctx context.Context, accountID string, at time.Time) (int, error)
}

// Enforcer gates appointment creation on the account's monthly cap.
type Enforcer struct {
	entitlements EntitlementStore
	usage        UsageStore
}

func NewEnforcer(entitlements EntitlementStore, usage UsageStore) *Enforcer {
	return &Enforcer{entitlements: entitlements, usage: usage}
}

// Resolve returns the account's effective limits, free tier when no
// subscription row exists.
func (e *Enforcer) Resolve(ctx context.Context, accountID string) (Limits, error) {
	ent, err := e.entitlements.GetEntitlements(ctx, accountID)
	if apperr.IsNotFound(err) {
		return LimitsForTier("free"), nil
	}
	if err != nil {
		return Limits{}, err
	}
	limits := LimitsForTier(ent.Tier)
	if ent.MaxMonthlyAppointments > 0 {
		limits.MaxMonthlyAppointments = ent.MaxMonthlyAppointments
	}
	return limits, nil
}

// CheckMonthlyCap fails with 402 when adding more appointments in the month
// containing at would exceed the account's cap. Recurring creates
// pass the full occurrence count so a series cannot leapfrog the cap.
func (e *Enforcer) CheckMonthlyCap(ctx context.Context, accountID string, at time.Time, adding int) error {
	limits, err := e.Resolve(ctx, accountID)
	if err != nil {
		return err
	}
	if limits.MaxMonthlyAppointments <= 0 {
		return nil
	}
	used, err := e.usage.CountMonthlyAppointments(ctx, accountID, at)
	if err != nil {
		return err
	}
	if adding < 1 {
		adding = 1
	}
	if used+adding > limits.MaxMonthlyAppointments {
		return apperr.New(http.StatusPaymentRequired, "monthly_appointment_cap",
			"monthly appointment limit reached for the current plan")
	}
	return nil
}
