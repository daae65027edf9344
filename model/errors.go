package model

import "errors"

// Envelope codes shared by every surface.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrTimeout         = "TIMEOUT"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Codes raised by stage gating.
const (
	ErrTransitionDenied       = "TRANSITION_DENIED"
	ErrConcurrentModification = "CONCURRENT_MODIFICATION"
	ErrCatalogMisconfigured   = "CATALOG_MISCONFIGURED"
)

// ErrorEnvelope is the error value the engine returns and the HTTP layer
// renders. Requirements is set only for TRANSITION_DENIED; TraceID is
// stamped at render time.
type ErrorEnvelope struct {
	Code         string        `json:"code"`
	Message      string        `json:"message"`
	Details      []FieldError  `json:"details,omitempty"`
	Requirements []Requirement `json:"requirements,omitempty"`
	TraceID      string        `json:"trace_id,omitempty"`
}

func (e *ErrorEnvelope) Error() string {
	return e.Code + ": " + e.Message
}

// WithTraceID returns a copy of e tagged with traceID.
func (e *ErrorEnvelope) WithTraceID(traceID string) *ErrorEnvelope {
	out := *e
	out.TraceID = traceID
	return &out
}

// FieldError is one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the envelope code carried by err, or "" when err does
// not wrap an ErrorEnvelope.
func ErrorCode(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsCode reports whether err carries code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

func envelope(code, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: code, Message: msg}
}

func NewBadRequestError(msg string) *ErrorEnvelope   { return envelope(ErrBadRequest, msg) }
func NewUnauthorizedError(msg string) *ErrorEnvelope { return envelope(ErrUnauthorized, msg) }
func NewForbiddenError(msg string) *ErrorEnvelope    { return envelope(ErrForbidden, msg) }
func NewNotFoundError(msg string) *ErrorEnvelope     { return envelope(ErrNotFound, msg) }
func NewConflictError(msg string) *ErrorEnvelope     { return envelope(ErrConflict, msg) }

// NewConcurrentModificationError reports a lost optimistic concurrency race.
func NewConcurrentModificationError(msg string) *ErrorEnvelope {
	return envelope(ErrConcurrentModification, msg)
}

// NewCatalogMisconfiguredError reports a catalog reference that cannot be
// resolved at run time.
func NewCatalogMisconfiguredError(msg string) *ErrorEnvelope {
	return envelope(ErrCatalogMisconfigured, msg)
}

// NewValidationError rejects a request with per-field details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	env := envelope(ErrValidationError, "One or more fields are invalid")
	env.Details = details
	return env
}

// NewTransitionDeniedError rejects a move and lists the unmet requirements.
func NewTransitionDeniedError(msg string, missing []Requirement) *ErrorEnvelope {
	env := envelope(ErrTransitionDenied, msg)
	env.Requirements = missing
	return env
}

// NewTimeoutError reports a request that ran out of time.
func NewTimeoutError() *ErrorEnvelope {
	return envelope(ErrTimeout, "The request timed out")
}

// NewInternalError hides the cause of an unexpected failure.
func NewInternalError() *ErrorEnvelope {
	return envelope(ErrInternalError, "An unexpected error occurred")
}
