// Package handlers is the HTTP boundary: request decoding, auth and
// membership middleware, and the mapping from coded domain errors to
// response statuses.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pawmi/pawmi-server/internal/apperr"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps coded errors onto their status; anything uncoded is a 500
// with the detail kept out of the response body.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if coded, ok := apperr.From(err); ok {
		writeJSON(w, coded.Status, map[string]any{"error": errorBody{
			Code:    coded.Code,
			Message: coded.Message,
		}})
		return
	}
	logger.Error("request failed", "err", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": errorBody{
		Code:    "internal_error",
		Message: "internal server error",
	}})
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("invalid_json", "request body is not valid JSON")
	}
	return nil
}
