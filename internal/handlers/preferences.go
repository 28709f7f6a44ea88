package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/pawmi/pawmi-server/internal/prefs"
)

type PreferenceStore interface {
	GetPreferences(ctx context.Context, userID string) (*prefs.Patch, error)
	UpsertPreferences(ctx context.Context, userID string, patch *prefs.Patch) error
}

type PreferencesHandler struct {
	store  PreferenceStore
	logger *slog.Logger
}

func NewPreferencesHandler(store PreferenceStore, logger *slog.Logger) *PreferencesHandler {
	return &PreferencesHandler{store: store, logger: logger}
}

// Get returns the caller's resolved preference document. Users who never
// saved anything see the defaults.
func (h *PreferencesHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	stored, err := h.store.GetPreferences(r.Context(), claims.Sub)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs.Resolve(stored))
}

// Update merges the submitted partial document over the stored one and
// persists the fully resolved result. Unknown or out-of-range reminder
// offsets are dropped during the merge rather than rejected.
func (h *PreferencesHandler) Update(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var updates prefs.Patch
	if err := decodeJSON(r, &updates); err != nil {
		writeError(w, h.logger, err)
		return
	}

	stored, err := h.store.GetPreferences(r.Context(), claims.Sub)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	merged := prefs.Merge(stored, &updates)
	if err := h.store.UpsertPreferences(r.Context(), claims.Sub, merged.ToPatch()); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}
