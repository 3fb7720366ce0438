// Package httputil writes JSON responses for auditd handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"audittrail/pkg/platform/audit"
	"audittrail/pkg/platform/concurrent"
	"audittrail/pkg/platform/sentinel"
)

// WriteJSON writes v with status. Encoding errors are ignored once the
// header is sent.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps err to a status and error code. Internal errors never
// expose their message.
func WriteError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	body := map[string]string{"error": code}
	if status != http.StatusInternalServerError {
		body["error_description"] = err.Error()
	}
	WriteJSON(w, status, body)
}

func classify(err error) (int, string) {
	var cfgErr *audit.ConfigError
	switch {
	case errors.Is(err, sentinel.ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, sentinel.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, concurrent.ErrRejected), errors.Is(err, sentinel.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.As(err, &cfgErr):
		return http.StatusUnprocessableEntity, "audit_config"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
