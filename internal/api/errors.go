package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vibeterm/broker/internal/docker"
	"github.com/vibeterm/broker/internal/session"
	"github.com/vibeterm/broker/internal/transport"
)

// Error codes returned in API responses
const (
	ErrCodeSessionNotFound   = "SESSION_NOT_FOUND"
	ErrCodeSessionNotReady   = "SESSION_NOT_READY"
	ErrCodeQuotaExceeded     = "QUOTA_EXCEEDED"
	ErrCodeTerminalGone      = "TERMINAL_GONE"
	ErrCodeNotConnected      = "TERMINAL_NOT_CONNECTED"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeAttachUnavailable = "ATTACH_UNAVAILABLE"
)

// ErrQuotaExceeded is returned by the create path at the per-user cap.
var ErrQuotaExceeded = errors.New("session quota exceeded")

// APIError represents a structured API error response
type APIError struct {
	Code    string                 `json:"error_code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeAPIError maps known errors to structured responses.
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr APIError
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, docker.ErrNotFound):
		apiErr = APIError{Code: ErrCodeSessionNotFound, Message: err.Error()}
		statusCode = http.StatusNotFound

	case errors.Is(err, session.ErrNotReady):
		apiErr = APIError{Code: ErrCodeSessionNotReady, Message: err.Error()}
		statusCode = http.StatusServiceUnavailable

	case errors.Is(err, ErrQuotaExceeded):
		apiErr = APIError{Code: ErrCodeQuotaExceeded, Message: err.Error()}
		statusCode = http.StatusTooManyRequests

	case errors.Is(err, transport.ErrGone):
		apiErr = APIError{Code: ErrCodeTerminalGone, Message: "terminal disconnected, call connect again"}
		statusCode = http.StatusGone

	case errors.Is(err, transport.ErrNotConnected):
		apiErr = APIError{Code: ErrCodeNotConnected, Message: "terminal not connected, call connect first"}
		statusCode = http.StatusNotFound

	default:
		apiErr = APIError{Code: ErrCodeInternalError, Message: err.Error()}
		statusCode = http.StatusInternalServerError
	}

	writeJSON(w, statusCode, apiErr)
}

// writeValidationError writes a 400 Bad Request with validation details
func writeValidationError(w http.ResponseWriter, message string, details map[string]interface{}) {
	writeJSON(w, http.StatusBadRequest, APIError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

// writeUnauthorizedError writes a 401 Unauthorized error
func writeUnauthorizedError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, APIError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	})
}

// writeForbiddenError writes a 403 Forbidden error
func writeForbiddenError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusForbidden, APIError{
		Code:    ErrCodeForbidden,
		Message: message,
	})
}

// writeNotFoundError writes a 404 without leaking whether the resource
// exists under another principal.
func writeNotFoundError(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, APIError{
		Code:    ErrCodeSessionNotFound,
		Message: "session not found",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
