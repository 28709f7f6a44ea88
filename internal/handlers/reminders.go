package handlers

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/pawmi/pawmi-server/internal/reminder"
)

// CronSecretHeader authenticates the scheduler that triggers dispatch runs.
const CronSecretHeader = "X-Cron-Secret"

type DispatchRunner interface {
	Run(ctx context.Context, now time.Time) (reminder.Summary, error)
}

type RemindersHandler struct {
	runner DispatchRunner
	secret string
	logger *slog.Logger
}

func NewRemindersHandler(runner DispatchRunner, secret string, logger *slog.Logger) *RemindersHandler {
	return &RemindersHandler{runner: runner, secret: secret, logger: logger}
}

// Run executes one reminder dispatch pass. The endpoint sits outside the
// JWT-protected surface; the shared cron secret is the auth.
func (h *RemindersHandler) Run(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		http.Error(w, "reminder dispatch not configured", http.StatusServiceUnavailable)
		return
	}
	provided := r.Header.Get(CronSecretHeader)
	if subtle.ConstantTimeCompare([]byte(provided), []byte(h.secret)) != 1 {
		http.Error(w, "invalid cron secret", http.StatusUnauthorized)
		return
	}

	summary, err := h.runner.Run(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Info("reminder dispatch completed",
		"processed", summary.Processed,
		"computed", summary.Computed,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
	writeJSON(w, http.StatusOK, summary)
}
