// Package transport contains the HTTP router, middleware chain, and the
// request handlers that expose the deal service.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/dealflow/internal/observability"
	"github.com/pitabwire/dealflow/model"
)

// StatusFor returns the HTTP status for an envelope code. Unknown codes are
// server errors.
func StatusFor(code string) int {
	switch code {
	case model.ErrBadRequest, model.ErrValidationError, model.ErrTransitionDenied:
		return http.StatusBadRequest
	case model.ErrUnauthorized:
		return http.StatusUnauthorized
	case model.ErrForbidden:
		return http.StatusForbidden
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrConflict, model.ErrConcurrentModification:
		return http.StatusConflict
	case model.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON encodes body with status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError renders err as an ErrorEnvelope tagged with the request's
// trace ID. An expired request context becomes TIMEOUT; any other error
// without an envelope is logged and hidden behind INTERNAL_ERROR. Nothing is
// written once the client has gone away.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var env *model.ErrorEnvelope
	switch {
	case errors.As(err, &env):
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return
	case errors.Is(err, context.DeadlineExceeded):
		env = model.NewTimeoutError()
	default:
		env = model.NewInternalError()
	}

	status := StatusFor(env.Code)
	if status >= http.StatusInternalServerError {
		observability.LoggerFrom(ctx, nil).Error("request failed",
			zap.String("code", env.Code), zap.Error(err))
	}
	WriteJSON(w, status, errorBody{Error: env.WithTraceID(observability.TraceIDFromContext(ctx))})
}

// WriteForbidden rejects the request with 403.
func WriteForbidden(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r, model.NewForbiddenError(msg))
}

// WriteValidationError rejects the request with 400 and per-field details.
func WriteValidationError(w http.ResponseWriter, r *http.Request, details []model.FieldError) {
	WriteError(w, r, model.NewValidationError(details))
}
