package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers that need to branch on it
type Kind string

const (
	// KindValidation represents bad caller input, surfaced immediately
	KindValidation Kind = "validation"

	// KindApplication represents an explicit rejection by a remote agent,
	// propagated as business data rather than a transport fault
	KindApplication Kind = "application"

	// KindTransport represents a timeout, malformed response or
	// unreachable bus
	KindTransport Kind = "transport"

	// KindNotFound represents a missing resource
	KindNotFound Kind = "not_found"

	// KindInternal represents an internal server error
	KindInternal Kind = "internal"
)

// Error is the standardized error carried across the notification core
type Error struct {
	Kind     Kind   `json:"kind"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Details  any    `json:"details,omitempty"`
	HTTPCode int    `json:"-"` // Not serialized
	wrapped  error
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Code, e.Message)
}

// Unwrap exposes the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.wrapped
}

// WithDetails adds details to the error
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// WithCause attaches the underlying cause
func (e *Error) WithCause(err error) *Error {
	e.wrapped = err
	return e
}

// Validation creates a new validation error
func Validation(code, message string) *Error {
	return &Error{
		Kind:     KindValidation,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusBadRequest,
	}
}

// Application creates an error representing an explicit agent rejection
func Application(code, message string) *Error {
	return &Error{
		Kind:     KindApplication,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusBadRequest,
	}
}

// Transport creates an error representing a delivery failure
func Transport(code, message string) *Error {
	return &Error{
		Kind:     KindTransport,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusGatewayTimeout,
	}
}

// NotFound creates a new not found error
func NotFound(code, message string) *Error {
	return &Error{
		Kind:     KindNotFound,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusNotFound,
	}
}

// Internal creates a new internal server error
func Internal(code, message string) *Error {
	return &Error{
		Kind:     KindInternal,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusInternalServerError,
	}
}

// FromError converts a Go error into an *Error, defaulting to internal
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr
	}

	return Internal("internal_error", err.Error()).WithCause(err)
}

// IsKind reports whether err is an *Error of the given kind
func IsKind(err error, kind Kind) bool {
	var relayErr *Error
	if !errors.As(err, &relayErr) {
		return false
	}
	return relayErr.Kind == kind
}
