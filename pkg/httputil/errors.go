package httputil

import (
	"errors"
	"net/http"

	"github.com/cohortly/tms/pkg/observability"
)

// Error is an expected, named failure that carries its HTTP status end-to-end.
// Anything that is not an *Error is treated as an unexpected internal failure.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError creates a 400 validation failure
func NewValidationError(message string) *Error {
	return &Error{Status: http.StatusBadRequest, Message: message}
}

// NewUnauthorizedError creates a 401 authentication failure
func NewUnauthorizedError(message string) *Error {
	return &Error{Status: http.StatusUnauthorized, Message: message}
}

// NewForbiddenError creates a 403 authorization failure
func NewForbiddenError(message string) *Error {
	return &Error{Status: http.StatusForbidden, Message: message}
}

// NewNotFoundError creates a 404 not-found failure
func NewNotFoundError(message string) *Error {
	return &Error{Status: http.StatusNotFound, Message: message}
}

// NewConflictError creates a 409 conflict failure
func NewConflictError(message string) *Error {
	return &Error{Status: http.StatusConflict, Message: message}
}

// WriteAppError writes an error response following the propagation policy:
// expected failures keep their status and message; unexpected failures are
// logged with full detail and surfaced as a generic message in production.
func WriteAppError(w http.ResponseWriter, r *http.Request, err error, production bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		WriteErrorMessage(w, appErr.Status, appErr.Message)
		return
	}

	observability.FromContext(r.Context()).
		WithError(err).
		WithField("path", r.URL.Path).
		Error("unhandled error")

	if production {
		WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
		return
	}
	WriteInternalError(w, err)
}
