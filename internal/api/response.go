// Package api implements the HTTP REST surface over the session
// orchestrator: thread and job operations, cursor reads, approval
// submission, and SSE event streaming.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coderelay/coderelay/internal/apperr"
)

// errorBody is the shape of the "error" object in error responses.
//
// Success:  <payload>
// Error:    {"error": {"message": "...", "code": "..."}}
type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Error writes a JSON error response. apperr values map to their stable
// code and status; anything else becomes a 500 STORAGE_ERROR without
// leaking internal detail.
func Error(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		JSON(w, ae.HTTPStatus(), map[string]any{
			"error": errorBody{Message: ae.Message, Code: string(ae.Code)},
		})
		return
	}
	slog.Error("unclassified handler error", "error", err)
	JSON(w, http.StatusInternalServerError, map[string]any{
		"error": errorBody{Message: "internal error", Code: string(apperr.CodeStorageError)},
	})
}

// decodeJSON decodes the request body into dst. Returns false and
// writes an INVALID_ARGUMENT response if decoding fails, so callers can
// early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)

	if err := dec.Decode(dst); err != nil {
		Error(w, apperr.New(apperr.CodeInvalidArgument, "invalid request body: %v", err))
		return false
	}
	return true
}
