// Package storage holds the pgx repositories. Statements are tenant-scoped
// and driver failures are translated into coded errors at this boundary so
// callers never string-match.
package storage

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pawmi/pawmi-server/internal/apperr"
)

// translate maps driver errors to coded errors. notFound, when non-empty, is
// the message for a missing row; postgres auth failures and token-shaped
// upstream failures surface as 401 so the HTTP layer does not report 500 for
// a credential problem.
func translate(err error, notFound string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		if notFound == "" {
			notFound = "row not found"
		}
		return apperr.NotFound(notFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "28000", "28P01":
			return apperr.New(http.StatusUnauthorized, "unauthorized", "database authentication failed")
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "jwt") {
		return apperr.New(http.StatusUnauthorized, "unauthorized", "upstream authorization failed")
	}
	return err
}

// IsNotFound reports whether err is a translated missing-row error.
func IsNotFound(err error) bool {
	return apperr.IsNotFound(err)
}
