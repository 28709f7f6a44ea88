package series

import (
	"context"
	"log/slog"
	"time"

	"github.com/pawmi/pawmi-server/internal/model"
)

// Store is the persistence surface the manager drives. Every method is a
// single statement against the backing store: there is no multi-statement
// transaction here, which is why multi-row operations in the manager keep an
// explicit undo log instead of relying on atomicity.
//
// All methods are tenant-scoped by accountID; implementations must add the
// account filter to every statement.
type Store interface {
	GetAppointment(ctx context.Context, accountID, id string) (model.Appointment, error)
	InsertAppointment(ctx context.Context, appt model.Appointment) error
	UpdateAppointment(ctx context.Context, appt model.Appointment) error
	DeleteAppointment(ctx context.Context, accountID, id string) error

	// ListSeriesOccurrences returns a series' appointments ordered by date.
	ListSeriesOccurrences(ctx context.Context, accountID, seriesID string) ([]model.Appointment, error)
	// DeleteSeriesOccurrences removes occurrences with date >= from,
	// returning how many rows went away. Earlier occurrences are never
	// touched.
	DeleteSeriesOccurrences(ctx context.Context, accountID, seriesID string, from time.Time) (int, error)
	// ClearSeriesLink nulls series_id and series_occurrence on one row.
	ClearSeriesLink(ctx context.Context, accountID, appointmentID string) error

	ListServices(ctx context.Context, accountID, appointmentID string) ([]model.AppointmentService, error)
	InsertService(ctx context.Context, svc model.AppointmentService) error
	UpdateService(ctx context.Context, svc model.AppointmentService) error
	DeleteService(ctx context.Context, accountID, id string) error

	GetSeries(ctx context.Context, accountID, id string) (model.Series, error)
	InsertSeries(ctx context.Context, s model.Series) error
	UpdateSeries(ctx context.Context, s model.Series) error
	DeleteSeries(ctx context.Context, accountID, id string) error
	DeactivateSeries(ctx context.Context, accountID, id string) error
}

// undoLog records compensating deletes for writes made during one operation.
// On failure the steps replay in reverse order; a failing compensating step is
// logged and skipped so the remaining cleanup still runs.
type undoLog struct {
	logger *slog.Logger
	steps  []func(context.Context) error
}

func newUndoLog(logger *slog.Logger) *undoLog {
	return &undoLog{logger: logger}
}

func (u *undoLog) add(step func(context.Context) error) {
	u.steps = append(u.steps, step)
}

func (u *undoLog) rollback(ctx context.Context) {
	for i := len(u.steps) - 1; i >= 0; i-- {
		if err := u.steps[i](ctx); err != nil {
			u.logger.Error("compensating delete failed", "err", err)
		}
	}
}
