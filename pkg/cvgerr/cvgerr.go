// Package cvgerr defines the error taxonomy shared across Convergence's
// storage, repository-state, and API layers.
package cvgerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers (the API layer, the CLI) can react
// without string-matching messages.
type Kind string

const (
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	Validation         Kind = "validation"
	Forbidden          Kind = "forbidden"
	Integrity          Kind = "integrity"
	UnresolvedConflict Kind = "unresolved_conflict"
	Io                 Kind = "io"
	Transport          Kind = "transport"
)

// Error is the concrete error type carried through Convergence. Msg is a
// single-line, user-facing reason; Cause, if set, is wrapped and reachable
// via errors.Unwrap.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, cvgerr.NotFound) work by comparing Kind against a
// sentinel *Error carrying only that kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

func NotFoundf(format string, args ...any) *Error {
	return newErr(NotFound, fmt.Sprintf(format, args...), nil)
}

func Conflictf(format string, args ...any) *Error {
	return newErr(Conflict, fmt.Sprintf(format, args...), nil)
}

func Validationf(format string, args ...any) *Error {
	return newErr(Validation, fmt.Sprintf(format, args...), nil)
}

func Forbiddenf(format string, args ...any) *Error {
	return newErr(Forbidden, fmt.Sprintf(format, args...), nil)
}

func Integrityf(format string, args ...any) *Error {
	return newErr(Integrity, fmt.Sprintf(format, args...), nil)
}

func UnresolvedConflictf(format string, args ...any) *Error {
	return newErr(UnresolvedConflict, fmt.Sprintf(format, args...), nil)
}

// Iof wraps cause with an Io-kind error, keeping the fmt.Errorf("...: %w")
// wrapping habit but centralizing the kind.
func Iof(cause error, format string, args ...any) *Error {
	return newErr(Io, fmt.Sprintf(format, args...), cause)
}

func Transportf(cause error, format string, args ...any) *Error {
	return newErr(Transport, fmt.Sprintf(format, args...), cause)
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err's Kind matches kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
