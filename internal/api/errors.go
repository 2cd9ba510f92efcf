package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/vendorflow/vendorflow/internal/platform/logutil"
	"github.com/vendorflow/vendorflow/internal/sharing"
)

// Deterministic reason codes for stable error classification.
// These codes should remain stable across versions for client compatibility.
const (
	// Authentication and authorization
	ReasonUnauthenticated  = "unauthenticated"
	ReasonInvalidToken     = "invalid_token"
	ReasonPermissionDenied = "permission_denied"

	// Rate limiting
	ReasonRateLimited = "rate_limited"

	// Request validation
	ReasonBadRequest   = "bad_request"
	ReasonMissingField = "missing_field"
	ReasonInvalidField = "invalid_field"
	ReasonNotFound     = "not_found"
	ReasonConflict     = "conflict"

	// Chain rules
	ReasonDepthExceeded = "depth_exceeded"
	ReasonShareExpired  = "share_expired"

	// Server errors
	ReasonInternalError = "internal_error"
)

// ErrorEnvelope is the standard error response format.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error information.
type ErrorDetail struct {
	Code       string `json:"code"`        // HTTP status text (e.g., "Forbidden")
	ReasonCode string `json:"reason_code"` // Deterministic reason code
	Message    string `json:"message"`     // Human-readable message
}

// WriteError writes a standardized JSON error response.
func WriteError(w http.ResponseWriter, statusCode int, reasonCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	envelope := ErrorEnvelope{
		Error: ErrorDetail{
			Code:       http.StatusText(statusCode),
			ReasonCode: reasonCode,
			Message:    message,
		},
	}

	json.NewEncoder(w).Encode(envelope)
}

// WriteUnauthorized writes a 401 Unauthorized error.
func WriteUnauthorized(w http.ResponseWriter, reasonCode, message string) {
	WriteError(w, http.StatusUnauthorized, reasonCode, message)
}

// WriteBadRequest writes a 400 Bad Request error.
func WriteBadRequest(w http.ResponseWriter, reasonCode, message string) {
	WriteError(w, http.StatusBadRequest, reasonCode, message)
}

// WriteTooManyRequests writes a 429 Too Many Requests error.
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, ReasonRateLimited, message)
}

// WriteInternalError writes a 500 Internal Server Error.
// Be careful not to leak sensitive information in the message.
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ReasonInternalError, message)
}

// Classify maps an engine error to its HTTP status and reason code.
// Unrecognized errors are internal.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, sharing.ErrValidation):
		return http.StatusBadRequest, ReasonInvalidField
	case errors.Is(err, sharing.ErrNotFound):
		return http.StatusNotFound, ReasonNotFound
	case errors.Is(err, sharing.ErrPermissionDenied):
		return http.StatusForbidden, ReasonPermissionDenied
	case errors.Is(err, sharing.ErrDepthExceeded):
		return http.StatusUnprocessableEntity, ReasonDepthExceeded
	case errors.Is(err, sharing.ErrExpired):
		return http.StatusGone, ReasonShareExpired
	case errors.Is(err, sharing.ErrConflict):
		return http.StatusConflict, ReasonConflict
	default:
		return http.StatusInternalServerError, ReasonInternalError
	}
}

// WriteSharingError writes err through Classify. Internal errors are logged
// and replaced by a generic message.
func WriteSharingError(w http.ResponseWriter, log *slog.Logger, err error) {
	log = logutil.NoopIfNil(log)
	status, reason := Classify(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed", "error", err)
		WriteInternalError(w, "internal error")
		return
	}
	if status == http.StatusForbidden || status == http.StatusUnprocessableEntity || status == http.StatusGone {
		log.Warn("request denied", "reason", reason, "error", err)
	}
	WriteError(w, status, reason, err.Error())
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
