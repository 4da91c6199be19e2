// Package defenseerr defines the typed failure kinds that cross the
// Hot/Cold KV boundary and the HTTP boundary, per spec §7.
package defenseerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure. Handlers map Kind to an HTTP status
// and callers use errors.Is/As to branch on it without string matching.
type Kind string

const (
	BackendTimeout     Kind = "backend_timeout"
	BackendUnavailable Kind = "backend_unavailable"
	InvalidTenant      Kind = "invalid_tenant"
	InvalidPayload     Kind = "invalid_payload"
	PolicyNotFound     Kind = "policy_not_found"
	ChallengeExpired   Kind = "challenge_expired"
	ChallengeInvalid   Kind = "challenge_invalid"
	Conflict           Kind = "conflict"
	Internal           Kind = "internal"
)

// Error is a typed failure carrying a Kind, a human message, and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, defenseerr.KindSentinel(kind)) style checks by
// comparing Kind when the target is also an *Error.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal when err is not
// (or does not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// HTTPStatus maps a Kind to the status code the API layer should respond
// with, per spec §7 (4xx for client errors, 5xx for backend failures).
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidTenant, InvalidPayload:
		return http.StatusBadRequest
	case PolicyNotFound:
		return http.StatusNotFound
	case ChallengeExpired, ChallengeInvalid:
		return http.StatusUnprocessableEntity
	case Conflict:
		return http.StatusConflict
	case BackendTimeout:
		return http.StatusGatewayTimeout
	case BackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
