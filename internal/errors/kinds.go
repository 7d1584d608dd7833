package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-readable failure reason. Kinds are part of the
// API surface: callers match on them, so the strings never change.
type Kind string

const (
	KindInvalidURL           Kind = "InvalidUrl"
	KindInvalidItem          Kind = "InvalidItem"
	KindWrongApplication     Kind = "WrongApplication"
	KindCapacityExhausted    Kind = "CapacityExhausted"
	KindSecondFactorRequired Kind = "SecondFactorRequired"
	KindAccessDenied         Kind = "AccessDenied"
	KindNotFound             Kind = "NotFound"
	KindTimeout              Kind = "Timeout"
	KindNoContent            Kind = "NoContent"
	KindArchiveTooSmall      Kind = "ArchiveTooSmall"
	KindArchiveTooLarge      Kind = "ArchiveTooLarge"
	KindTransientFailure     Kind = "TransientFailure"
	KindInternal             Kind = "Internal"
)

// Error couples a stable kind with free-form detail. Detail is for logs;
// only the kind is surfaced to callers.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a kinded error with printf-style detail.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the stable kind from err, falling back to Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code returned by the API surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidURL, KindInvalidItem, KindWrongApplication:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindCapacityExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
