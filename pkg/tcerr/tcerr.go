// Package tcerr defines the error kinds surfaced by the capability engine
// and their HTTP status mapping.
package tcerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable error category.
type Kind string

const (
	KindBadEnvelope      Kind = "BadEnvelope"
	KindBadResource      Kind = "BadResource"
	KindBadAbility       Kind = "BadAbility"
	KindInvalidSignature Kind = "InvalidSignature"
	KindNotYetValid      Kind = "NotYetValid"
	KindExpired          Kind = "Expired"
	KindUnknownParent    Kind = "UnknownParent"
	KindRevokedParent    Kind = "RevokedParent"
	KindUnauthorized     Kind = "Unauthorized"
	KindBodyMismatch     Kind = "BodyMismatch"
	KindNotFound         Kind = "NotFound"
	KindConflict         Kind = "Conflict"
	KindQuotaExceeded    Kind = "QuotaExceeded"
	KindTransient        Kind = "Transient"
	KindInternal         Kind = "Internal"
)

// Error carries an error kind alongside a human-readable message.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind that unwraps to cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf returns the kind of err, or KindInternal if it carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the status returned to clients.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadEnvelope, KindBadResource, KindBadAbility, KindBodyMismatch:
		return http.StatusBadRequest
	case KindInvalidSignature, KindNotYetValid, KindExpired:
		return http.StatusUnauthorized
	case KindRevokedParent, KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUnknownParent, KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
