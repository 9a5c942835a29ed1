// Package httpserver contains the control API handlers and middleware.
//
// Every response shares one envelope: {"status":"success","data":...} or
// {"status":"error","error":{...}} with machine-readable code and type.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/christian-cleanup/internal/adapter/observability"
	"github.com/fairyhunter13/christian-cleanup/internal/domain"
)

type successEnvelope struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

type errorEnvelope struct {
	Status string   `json:"status"`
	Error  apiError `json:"error"`
}

type apiError struct {
	Code      int    `json:"code"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
	Details   any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, status int, data any, message string) {
	writeJSON(w, status, successEnvelope{Status: "success", Data: data, Message: message})
}

// errorClass maps a domain error onto the API taxonomy.
func errorClass(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "ValidationError"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "AuthenticationError"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "AuthorizationError"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "ResourceNotFound"
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusRequestTimeout, "TimeoutError"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "ConflictError"
	case errors.Is(err, domain.ErrRateLimited), errors.Is(err, domain.ErrUpstreamRateLimit):
		return http.StatusTooManyRequests, "RateLimitError"
	case errors.Is(err, domain.ErrExternalService):
		return http.StatusBadGateway, "ExternalServiceError"
	default:
		return http.StatusInternalServerError, "ServerError"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	code, typ := errorClass(err)
	writeJSON(w, code, errorEnvelope{
		Status: "error",
		Error: apiError{
			Code:      code,
			Type:      typ,
			Message:   err.Error(),
			ID:        ulid.Make().String(),
			RequestID: observability.RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Details:   details,
		},
	})
}
