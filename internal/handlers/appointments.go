package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pawmi/pawmi-server/internal/apperr"
	"github.com/pawmi/pawmi-server/internal/model"
	"github.com/pawmi/pawmi-server/internal/outbox"
	"github.com/pawmi/pawmi-server/internal/recurrence"
	"github.com/pawmi/pawmi-server/internal/selection"
	"github.com/pawmi/pawmi-server/internal/series"
)

const dateLayout = "2006-01-02"

// SeriesManager drives appointment writes and the series state machine.
type SeriesManager interface {
	Create(ctx context.Context, accountID string, in series.CreateInput) (model.Appointment, series.Outcome, error)
	Update(ctx context.Context, accountID, id string, in series.UpdateInput) (model.Appointment, series.Outcome, error)
	Occurrences(ctx context.Context, accountID, seriesID string) ([]model.Appointment, error)
	DeleteSeries(ctx context.Context, accountID, seriesID string, from *time.Time) (int, error)
}

// AppointmentStore is the read/delete surface the handler uses directly.
type AppointmentStore interface {
	GetAppointment(ctx context.Context, accountID, id string) (model.Appointment, error)
	ListAppointments(ctx context.Context, accountID string, from, to time.Time, limit int) ([]model.Appointment, error)
	ListServices(ctx context.Context, accountID, appointmentID string) ([]model.AppointmentService, error)
	DeleteAppointment(ctx context.Context, accountID, id string) error
}

// CapChecker gates creation on the account's plan. Nil disables enforcement.
type CapChecker interface {
	CheckMonthlyCap(ctx context.Context, accountID string, at time.Time, adding int) error
}

// EventSink enqueues domain events. Nil disables emission; enqueue failures
// are logged, never surfaced to the caller.
type EventSink interface {
	Insert(ctx context.Context, evt outbox.Event) error
}

type AppointmentsHandler struct {
	manager SeriesManager
	store   AppointmentStore
	caps    CapChecker
	events  EventSink
	logger  *slog.Logger
}

func NewAppointmentsHandler(manager SeriesManager, store AppointmentStore, caps CapChecker, events EventSink, logger *slog.Logger) *AppointmentsHandler {
	return &AppointmentsHandler{
		manager: manager,
		store:   store,
		caps:    caps,
		events:  events,
		logger:  logger,
	}
}

type createAppointmentRequest struct {
	CustomerID      string            `json:"customer_id"`
	Date            string            `json:"date"`
	StartTime       string            `json:"start_time"`
	DurationMinutes int               `json:"duration_minutes"`
	Status          string            `json:"status"`
	PaymentStatus   string            `json:"payment_status"`
	Notes           string            `json:"notes"`
	Timezone        string            `json:"recurrence_timezone"`
	RecurrenceRule  string            `json:"recurrence_rule"`
	RecurrenceCount *int              `json:"recurrence_count"`
	RecurrenceUntil string            `json:"recurrence_until"`
	ReminderOffsets []int             `json:"reminder_offsets"`
	Selections      []selection.Input `json:"service_selections"`
}

type updateAppointmentRequest struct {
	CustomerID      *string `json:"customer_id"`
	Date            *string `json:"date"`
	StartTime       *string `json:"start_time"`
	DurationMinutes *int    `json:"duration_minutes"`
	Status          *string `json:"status"`
	PaymentStatus   *string `json:"payment_status"`
	Notes           *string `json:"notes"`
	Timezone        *string `json:"recurrence_timezone"`
	ReminderOffsets []int   `json:"reminder_offsets"`

	// Recurrence fields travel together: a present rule (empty string clears
	// the series) is required when count or until is patched.
	RecurrenceRule  *string `json:"recurrence_rule"`
	RecurrenceCount *int    `json:"recurrence_count"`
	RecurrenceUntil *string `json:"recurrence_until"`

	// Pointer so an omitted key is distinguishable from an empty list.
	Selections *[]selection.Input `json:"service_selections"`

	Scope string `json:"update_scope"`
}

type outcomeResponse struct {
	Materialized bool `json:"materialized"`
	Rebuilt      bool `json:"rebuilt"`
	Cleared      bool `json:"cleared"`
	Occurrences  int  `json:"occurrences"`
}

type serviceResponse struct {
	ServiceID      string   `json:"service_id"`
	PetID          string   `json:"pet_id,omitempty"`
	PriceTierID    *string  `json:"price_tier_id"`
	PriceTierLabel *string  `json:"price_tier_label"`
	Price          *float64 `json:"price"`
	AddonIDs       []string `json:"addon_ids"`
}

type appointmentResponse struct {
	ID              string            `json:"id"`
	CustomerID      string            `json:"customer_id"`
	Date            string            `json:"date"`
	StartTime       string            `json:"start_time"`
	DurationMinutes int               `json:"duration_minutes"`
	Status          string            `json:"status"`
	PaymentStatus   string            `json:"payment_status"`
	Notes           string            `json:"notes,omitempty"`
	Timezone        string            `json:"recurrence_timezone,omitempty"`
	SeriesID        string            `json:"series_id,omitempty"`
	RecurrenceRule  string            `json:"recurrence_rule,omitempty"`
	RecurrenceCount *int              `json:"recurrence_count,omitempty"`
	RecurrenceUntil string            `json:"recurrence_until,omitempty"`
	ReminderOffsets []int             `json:"reminder_offsets,omitempty"`
	Services        []serviceResponse `json:"service_selections,omitempty"`
	CreatedAt       string            `json:"created_at,omitempty"`
	UpdatedAt       string            `json:"updated_at,omitempty"`
}

func appointmentJSON(a model.Appointment, svcs []model.AppointmentService) appointmentResponse {
	resp := appointmentResponse{
		ID:              a.ID,
		CustomerID:      a.CustomerID,
		Date:            a.Date.Format(dateLayout),
		StartTime:       a.StartTime,
		DurationMinutes: a.DurationMinutes,
		Status:          a.Status,
		PaymentStatus:   a.PaymentStatus,
		Notes:           a.Notes,
		Timezone:        a.Timezone,
		SeriesID:        a.SeriesID,
		RecurrenceRule:  a.RecurrenceRule,
		RecurrenceCount: a.RecurrenceCount,
		ReminderOffsets: a.ReminderOffsets,
	}
	if a.RecurrenceUntil != nil {
		resp.RecurrenceUntil = a.RecurrenceUntil.Format(dateLayout)
	}
	if !a.CreatedAt.IsZero() {
		resp.CreatedAt = a.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !a.UpdatedAt.IsZero() {
		resp.UpdatedAt = a.UpdatedAt.UTC().Format(time.RFC3339)
	}
	for _, svc := range svcs {
		addons := svc.AddonIDs
		if addons == nil {
			addons = []string{}
		}
		resp.Services = append(resp.Services, serviceResponse{
			ServiceID:      svc.ServiceID,
			PetID:          svc.PetID,
			PriceTierID:    svc.PriceTierID,
			PriceTierLabel: svc.PriceTierLabel,
			Price:          svc.Price,
			AddonIDs:       addons,
		})
	}
	return resp
}

func (h *AppointmentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req createAppointmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	date, err := time.Parse(dateLayout, req.Date)
	if err != nil {
		writeError(w, h.logger, apperr.Validation("invalid_date", "date must be YYYY-MM-DD"))
		return
	}
	if _, err := time.Parse("15:04", req.StartTime); err != nil {
		writeError(w, h.logger, apperr.Validation("invalid_start_time", "start_time must be HH:MM"))
		return
	}
	until, err := parseOptionalDate(req.RecurrenceUntil)
	if err != nil {
		writeError(w, h.logger, apperr.Validation("invalid_recurrence_until", "recurrence_until must be YYYY-MM-DD"))
		return
	}

	if h.caps != nil {
		adding := 1
		if recurrence.ParseRule(req.RecurrenceRule).Recurring() {
			count := 0
			if req.RecurrenceCount != nil {
				count = *req.RecurrenceCount
			}
			adding = len(recurrence.Expand(date, req.RecurrenceRule, count, until))
		}
		if err := h.caps.CheckMonthlyCap(r.Context(), claims.AccountID, date, adding); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}

	appt, outcome, err := h.manager.Create(r.Context(), claims.AccountID, series.CreateInput{
		CustomerID:      strings.TrimSpace(req.CustomerID),
		Date:            date,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
		Status:          req.Status,
		PaymentStatus:   req.PaymentStatus,
		Notes:           req.Notes,
		Timezone:        req.Timezone,
		RecurrenceRule:  req.RecurrenceRule,
		RecurrenceCount: req.RecurrenceCount,
		RecurrenceUntil: until,
		ReminderOffsets: req.ReminderOffsets,
		Selections:      selection.Normalize(req.Selections),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.emit(r.Context(), outbox.EventAppointmentCreated, claims.AccountID, appt.ID, map[string]any{
		"date":       appt.Date.Format(dateLayout),
		"start_time": appt.StartTime,
		"series_id":  appt.SeriesID,
	})

	svcs, err := h.store.ListServices(r.Context(), claims.AccountID, appt.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"appointment": appointmentJSON(appt, svcs),
		"series":      outcomeJSON(outcome),
	})
}

func (h *AppointmentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id := r.PathValue("id")

	appt, err := h.store.GetAppointment(r.Context(), claims.AccountID, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	svcs, err := h.store.ListServices(r.Context(), claims.AccountID, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointment": appointmentJSON(appt, svcs)})
}

func (h *AppointmentsHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var from, to time.Time
	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse(dateLayout, raw); err != nil {
			writeError(w, h.logger, apperr.Validation("invalid_date", "from must be YYYY-MM-DD"))
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse(dateLayout, raw); err != nil {
			writeError(w, h.logger, apperr.Validation("invalid_date", "to must be YYYY-MM-DD"))
			return
		}
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	appts, err := h.store.ListAppointments(r.Context(), claims.AccountID, from, to, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	items := make([]appointmentResponse, 0, len(appts))
	for _, appt := range appts {
		items = append(items, appointmentJSON(appt, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": items})
}

func (h *AppointmentsHandler) Update(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id := r.PathValue("id")

	var req updateAppointmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	in := series.UpdateInput{
		CustomerID:      req.CustomerID,
		StartTime:       req.StartTime,
		DurationMinutes: req.DurationMinutes,
		Status:          req.Status,
		PaymentStatus:   req.PaymentStatus,
		Notes:           req.Notes,
		Timezone:        req.Timezone,
		ReminderOffsets: req.ReminderOffsets,
		Scope:           req.Scope,
	}
	if scope := r.URL.Query().Get("update_scope"); scope != "" {
		in.Scope = scope
	}
	if in.Scope != "" && in.Scope != series.ScopeSingle && in.Scope != series.ScopeFuture {
		writeError(w, h.logger, apperr.Validation("invalid_scope", `update_scope must be "single" or "future"`))
		return
	}
	if req.Date != nil {
		date, err := time.Parse(dateLayout, *req.Date)
		if err != nil {
			writeError(w, h.logger, apperr.Validation("invalid_date", "date must be YYYY-MM-DD"))
			return
		}
		in.Date = &date
	}
	if req.StartTime != nil {
		if _, err := time.Parse("15:04", *req.StartTime); err != nil {
			writeError(w, h.logger, apperr.Validation("invalid_start_time", "start_time must be HH:MM"))
			return
		}
	}
	if req.RecurrenceRule != nil || req.RecurrenceCount != nil || req.RecurrenceUntil != nil {
		if req.RecurrenceRule == nil {
			writeError(w, h.logger, apperr.Validation("missing_recurrence_rule", "recurrence_rule is required when patching recurrence"))
			return
		}
		var untilRaw string
		if req.RecurrenceUntil != nil {
			untilRaw = *req.RecurrenceUntil
		}
		until, err := parseOptionalDate(untilRaw)
		if err != nil {
			writeError(w, h.logger, apperr.Validation("invalid_recurrence_until", "recurrence_until must be YYYY-MM-DD"))
			return
		}
		in.Recurrence = &series.RecurrencePatch{
			Rule:  *req.RecurrenceRule,
			Count: req.RecurrenceCount,
			Until: until,
		}
	}
	if req.Selections != nil {
		in.Selections = selection.Normalize(*req.Selections)
		in.SelectionsSet = true
	}

	appt, outcome, err := h.manager.Update(r.Context(), claims.AccountID, id, in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if outcome.Rebuilt || outcome.Materialized {
		h.emit(r.Context(), outbox.EventSeriesRebuilt, claims.AccountID, appt.ID, map[string]any{
			"series_id":   appt.SeriesID,
			"occurrences": outcome.Occurrences,
		})
	}

	svcs, err := h.store.ListServices(r.Context(), claims.AccountID, appt.ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"appointment": appointmentJSON(appt, svcs),
		"series":      outcomeJSON(outcome),
	})
}

func (h *AppointmentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	id := r.PathValue("id")

	appt, err := h.store.GetAppointment(r.Context(), claims.AccountID, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.store.DeleteAppointment(r.Context(), claims.AccountID, id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.emit(r.Context(), outbox.EventAppointmentCancelled, claims.AccountID, appt.ID, map[string]any{
		"date":      appt.Date.Format(dateLayout),
		"series_id": appt.SeriesID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *AppointmentsHandler) SeriesOccurrences(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	seriesID := r.PathValue("id")

	appts, err := h.manager.Occurrences(r.Context(), claims.AccountID, seriesID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	items := make([]appointmentResponse, 0, len(appts))
	for _, appt := range appts {
		items = append(items, appointmentJSON(appt, nil))
	}
	writeJSON(w, http.StatusOK, map[string]any{"occurrences": items})
}

func (h *AppointmentsHandler) DeleteSeries(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	seriesID := r.PathValue("id")

	var body struct {
		FromDate string `json:"from_date"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	if body.FromDate == "" {
		body.FromDate = r.URL.Query().Get("from_date")
	}

	var from *time.Time
	if body.FromDate != "" {
		parsed, err := time.Parse(dateLayout, body.FromDate)
		if err != nil {
			writeError(w, h.logger, apperr.Validation("invalid_date", "from_date must be YYYY-MM-DD"))
			return
		}
		from = &parsed
	}

	deleted, err := h.manager.DeleteSeries(r.Context(), claims.AccountID, seriesID, from)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.emit(r.Context(), outbox.EventAppointmentCancelled, claims.AccountID, seriesID, map[string]any{
		"series_id": seriesID,
		"deleted":   deleted,
	})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (h *AppointmentsHandler) emit(ctx context.Context, eventType, accountID, aggregateID string, body map[string]any) {
	if h.events == nil {
		return
	}
	evt, err := outbox.AppointmentEvent(eventType, accountID, aggregateID, body)
	if err != nil {
		h.logger.Error("building outbox event failed", "event_type", eventType, "err", err)
		return
	}
	if err := h.events.Insert(ctx, evt); err != nil {
		h.logger.Error("enqueueing outbox event failed", "event_type", eventType, "err", err)
	}
}

func outcomeJSON(o series.Outcome) outcomeResponse {
	return outcomeResponse{
		Materialized: o.Materialized,
		Rebuilt:      o.Rebuilt,
		Cleared:      o.Cleared,
		Occurrences:  o.Occurrences,
	}
}

func parseOptionalDate(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
