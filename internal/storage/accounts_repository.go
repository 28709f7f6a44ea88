package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pawmi/pawmi-server/internal/model"
	"github.com/pawmi/pawmi-server/internal/prefs"
	"github.com/pawmi/pawmi-server/libs/db"
)

// AccountRepository covers account membership, per-user notification
// preferences, device registration and subscription entitlements.
type AccountRepository struct {
	pool *db.Pool
}

func NewAccountRepository(pool *db.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// GetMember returns the membership row linking user to account. Missing rows
// translate to not-found; the middleware maps that to 403.
func (r *AccountRepository) GetMember(ctx context.Context, accountID, userID string) (model.AccountMember, error) {
	var m model.AccountMember
	err := r.pool.QueryRow(ctx, `
		SELECT account_id, user_id, role, status
		FROM account_members
		WHERE account_id = $1 AND user_id = $2
	`, accountID, userID).Scan(&m.AccountID, &m.UserID, &m.Role, &m.Status)
	if err != nil {
		return model.AccountMember{}, translate(err, "account membership not found")
	}
	return m, nil
}

// GetPreferences returns the stored preference document for a user, or nil
// when the user never saved one.
func (r *AccountRepository) GetPreferences(ctx context.Context, userID string) (*prefs.Patch, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `
		SELECT doc
		FROM notification_preferences
		WHERE user_id = $1
	`, userID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err, "")
	}
	var patch prefs.Patch
	if err := json.Unmarshal(doc, &patch); err != nil {
		return nil, nil
	}
	return &patch, nil
}

func (r *AccountRepository) UpsertPreferences(ctx context.Context, userID string, patch *prefs.Patch) error {
	doc, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO notification_preferences (user_id, doc)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET doc = EXCLUDED.doc,
			updated_at = now()
	`, userID, doc)
	return translate(err, "")
}

// UpsertDeviceToken registers a push token for a user. Re-registering an
// existing token reactivates it and moves it to the registering user.
func (r *AccountRepository) UpsertDeviceToken(ctx context.Context, t model.DeviceToken) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO device_tokens (id, user_id, token, platform, active)
		VALUES ($1, $2, $3, $4, true)
		ON CONFLICT (token) DO UPDATE
		SET user_id = EXCLUDED.user_id,
			platform = EXCLUDED.platform,
			active = true
		RETURNING id
	`, t.ID, t.UserID, t.Token, t.Platform).Scan(&id)
	if err != nil {
		return "", translate(err, "")
	}
	return id, nil
}

// GetEntitlements returns the account's subscription caps. A missing row
// translates to not-found; callers fall back to the free tier.
func (r *AccountRepository) GetEntitlements(ctx context.Context, accountID string) (model.AccountEntitlements, error) {
	var ent model.AccountEntitlements
	err := r.pool.QueryRow(ctx, `
		SELECT account_id, tier, max_monthly_appointments
		FROM account_entitlements
		WHERE account_id = $1
	`, accountID).Scan(&ent.AccountID, &ent.Tier, &ent.MaxMonthlyAppointments)
	if err != nil {
		return model.AccountEntitlements{}, translate(err, "no entitlements for account")
	}
	return ent, nil
}

func (r *AccountRepository) UpsertEntitlements(ctx context.Context, ent model.AccountEntitlements) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO account_entitlements (account_id, tier, max_monthly_appointments)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE
		SET tier = EXCLUDED.tier,
			max_monthly_appointments = EXCLUDED.max_monthly_appointments,
			updated_at = now()
	`, ent.AccountID, ent.Tier, ent.MaxMonthlyAppointments)
	return translate(err, "")
}
