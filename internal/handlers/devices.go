package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pawmi/pawmi-server/internal/apperr"
	"github.com/pawmi/pawmi-server/internal/model"
	"github.com/pawmi/pawmi-server/internal/push"
)

type DeviceStore interface {
	UpsertDeviceToken(ctx context.Context, t model.DeviceToken) (string, error)
}

type DevicesHandler struct {
	store  DeviceStore
	logger *slog.Logger
}

func NewDevicesHandler(store DeviceStore, logger *slog.Logger) *DevicesHandler {
	return &DevicesHandler{store: store, logger: logger}
}

type registerDeviceRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// Register stores a push token for the calling user. Re-registering a known
// token reactivates it.
func (h *DevicesHandler) Register(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req registerDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if !push.IsValidToken(req.Token) {
		writeError(w, h.logger, apperr.Validation("invalid_push_token", "token is not an Expo push token"))
		return
	}

	id, err := h.store.UpsertDeviceToken(r.Context(), model.DeviceToken{
		UserID:   claims.Sub,
		Token:    req.Token,
		Platform: strings.TrimSpace(req.Platform),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}
