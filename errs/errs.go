// Package errs defines the error-kind taxonomy used across the broker.
//
// Lower layers (refresh, store) return a *Error carrying a Kind, an HTTP
// status, and a safe user-facing message. The /refresh handler passes it
// to server's writeJSONError, which maps it to a JSON error response; the
// HTML endpoints render their own error pages with an explicit status.
// Internal details (upstream bodies, decrypt failures, filesystem errors)
// are logged, never echoed to the caller.
package errs

import (
	"net/http"

	"github.com/pkg/errors"
)

// Kind identifies a class of failure. It does not name a Go type: callers
// switch on Kind, not on the dynamic type of the error.
type Kind int

const (
	// KindInternal covers failures with no more specific kind: cache key
	// collisions, filesystem errors during revoke, and anything else that
	// surfaces as a 500.
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthorized
	KindMethodNotAllowed
	KindUpstreamFailure
	KindNotFound
)

// Error is a safe-to-render error: Message is shown to the caller, the
// wrapped cause is only ever logged.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	cause   error
	// Reason, when set, is echoed back as the X-Reason response header
	//.
	Reason string
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap attaches a safe message and HTTP status to cause, preserving cause
// for logging via errors.Cause/errors.Wrap semantics.
func Wrap(cause error, kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message, cause: errors.WithStack(cause)}
}

// New constructs a kind with no underlying cause (e.g. a validation failure
// discovered directly in a handler).
func New(kind Kind, status int, message string) *Error {
	return &Error{Kind: kind, Status: status, Message: message}
}

func BadRequest(message string) *Error {
	return New(KindBadRequest, http.StatusBadRequest, message)
}

func Unauthorized(message, reason string) *Error {
	return &Error{Kind: KindUnauthorized, Status: http.StatusUnauthorized, Message: message, Reason: reason}
}

func MethodNotAllowed() *Error {
	return New(KindMethodNotAllowed, http.StatusMethodNotAllowed, "Method not allowed.")
}

func Internal(cause error, message string) *Error {
	return Wrap(cause, KindInternal, http.StatusInternalServerError, message)
}

func UpstreamFailure(cause error) *Error {
	return Wrap(cause, KindUpstreamFailure, http.StatusInternalServerError, "Upstream provider request failed.")
}

// Cause unwraps to the deepest non-*Error cause, for logging.
func Cause(err error) error {
	for {
		err = errors.Cause(err)
		e, ok := err.(*Error)
		if !ok || e.cause == nil {
			return err
		}
		err = e.cause
	}
}
