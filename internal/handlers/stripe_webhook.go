package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/pawmi/pawmi-server/internal/billing"
	"github.com/pawmi/pawmi-server/internal/model"
	"github.com/pawmi/pawmi-server/internal/outbox"
	"github.com/pawmi/pawmi-server/internal/storage"
)

type ProviderEventStore interface {
	InsertProviderEvent(ctx context.Context, evt storage.ProviderEvent) error
}

// StripeWebhookHandler applies subscription lifecycle events to account
// entitlements. No JWT auth here; signature verification is the auth.
type StripeWebhookHandler struct {
	providerEvents ProviderEventStore
	entitlements   billing.EntitlementStore
	events         EventSink
	logger         *slog.Logger
	secret         string
	tolerance      time.Duration
}

func NewStripeWebhookHandler(providerEvents ProviderEventStore, entitlements billing.EntitlementStore, events EventSink, logger *slog.Logger, secret string, tolerance time.Duration) *StripeWebhookHandler {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &StripeWebhookHandler{
		providerEvents: providerEvents,
		entitlements:   entitlements,
		events:         events,
		logger:         logger,
		secret:         secret,
		tolerance:      tolerance,
	}
}

func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.secret) == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.secret, h.tolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	evtType := string(evt.Type)
	h.logger.Info("billing provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
	)

	// Idempotency: ignore replayed deliveries.
	err = h.providerEvents.InsertProviderEvent(r.Context(), storage.ProviderEvent{
		Provider:        "stripe",
		ProviderEventID: evt.ID,
		EventType:       evtType,
		Payload:         body,
	})
	if errors.Is(err, storage.ErrDuplicateProviderEvent) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
		return
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	switch evtType {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			h.logger.Error("stripe: invalid checkout session payload", "err", err)
			break
		}
		h.applyTier(r.Context(), w, session.Metadata["account_id"], session.Metadata["tier"])
		return

	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			h.logger.Error("stripe: invalid subscription payload", "err", err)
			break
		}
		// Only active/trialing subscriptions grant entitlements.
		if sub.Status != stripe.SubscriptionStatusActive && sub.Status != stripe.SubscriptionStatusTrialing {
			break
		}
		h.applyTier(r.Context(), w, sub.Metadata["account_id"], sub.Metadata["tier"])
		return

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			h.logger.Error("stripe: invalid subscription payload", "err", err)
			break
		}
		h.applyTier(r.Context(), w, sub.Metadata["account_id"], "free")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
}

// applyTier upserts the account's entitlement row for the tier and emits the
// entitlement-change event.
func (h *StripeWebhookHandler) applyTier(ctx context.Context, w http.ResponseWriter, accountID, tier string) {
	accountID = strings.TrimSpace(accountID)
	tier = strings.TrimSpace(strings.ToLower(tier))
	if accountID == "" || tier == "" {
		h.logger.Warn("stripe: missing metadata (account_id/tier)")
		writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
		return
	}

	limits := billing.LimitsForTier(tier)
	err := h.entitlements.UpsertEntitlements(ctx, model.AccountEntitlements{
		AccountID:              accountID,
		Tier:                   limits.Tier,
		MaxMonthlyAppointments: limits.MaxMonthlyAppointments,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if h.events != nil {
		payload, err := json.Marshal(map[string]any{
			"account_id":               accountID,
			"tier":                     limits.Tier,
			"max_monthly_appointments": limits.MaxMonthlyAppointments,
		})
		if err == nil {
			err = h.events.Insert(ctx, outbox.Event{
				AggregateType: "entitlements",
				AggregateID:   accountID,
				EventType:     outbox.EventEntitlementsUpdated,
				Payload:       payload,
			})
		}
		if err != nil {
			h.logger.Error("enqueueing entitlement event failed", "account_id", accountID, "err", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
