package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pawmi/pawmi-server/internal/reminder"
)

type fakeRunner struct {
	summary reminder.Summary
	ran     bool
}

func (f *fakeRunner) Run(context.Context, time.Time) (reminder.Summary, error) {
	f.ran = true
	return f.summary, nil
}

func TestRemindersRun(t *testing.T) {
	runner := &fakeRunner{summary: reminder.Summary{Processed: 3, Sent: 2, Skipped: 1}}
	h := NewRemindersHandler(runner, "cron-secret", testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments/reminders", nil)
	rw := httptest.NewRecorder()
	h.Run(rw, req)
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", rw.Code)
	}
	if runner.ran {
		t.Fatal("runner must not execute without the secret")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/appointments/reminders", nil)
	req.Header.Set(CronSecretHeader, "cron-secret")
	rw = httptest.NewRecorder()
	h.Run(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var sum reminder.Summary
	if err := json.Unmarshal(rw.Body.Bytes(), &sum); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if sum.Sent != 2 || sum.Processed != 3 {
		t.Fatalf("summary mismatch: %+v", sum)
	}
}

func TestRemindersRun_Unconfigured(t *testing.T) {
	h := NewRemindersHandler(&fakeRunner{}, "", testLogger())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/appointments/reminders", nil)
	rw := httptest.NewRecorder()
	h.Run(rw, req)
	if rw.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no secret configured, got %d", rw.Code)
	}
}
