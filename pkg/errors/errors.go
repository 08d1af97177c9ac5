package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
// Fields carries per-field validation messages keyed by the JSON field name.
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Status  int               `json:"status"`
	Fields  map[string]string `json:"fields,omitempty"`
	Err     error             `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors sharing the same code so callers can use errors.Is against
// the predefined values even after Clone or WithFields.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrNotFound         = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden        = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized     = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict         = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation       = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal         = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
	ErrCacheMiss        = New("CACHE_MISS", http.StatusNotFound, "cache miss")
	ErrCapacityExceeded = New("CAPACITY_EXCEEDED", http.StatusConflict, "session capacity reached")
	ErrSessionClosed    = New("SESSION_CLOSED", http.StatusConflict, "session is closed")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	if err.Fields != nil {
		clone.Fields = make(map[string]string, len(err.Fields))
		for k, v := range err.Fields {
			clone.Fields[k] = v
		}
	}
	return &clone
}

// WithFields returns a copy of err carrying the provided field messages.
func WithFields(err *Error, fields map[string]string) *Error {
	clone := Clone(err, "")
	if clone == nil {
		return nil
	}
	if clone.Fields == nil {
		clone.Fields = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		clone.Fields[k] = v
	}
	return clone
}

// Field is shorthand for a single-field validation failure.
func Field(err *Error, field, message string) *Error {
	return WithFields(err, map[string]string{field: message})
}
