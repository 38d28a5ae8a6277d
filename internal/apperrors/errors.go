package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for callers. Handlers map kinds to HTTP status
// codes; services attach a human-readable reason and nothing else.
type Kind string

const (
	NotFound            Kind = "not_found"
	Unauthorized        Kind = "unauthorized"
	InvalidState        Kind = "invalid_state"
	Validation          Kind = "validation_error"
	InsufficientBalance Kind = "insufficient_balance"
	AlreadyProcessed    Kind = "already_processed"
	ConflictRace        Kind = "conflict"
	Internal            Kind = "internal"
)

type Error struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Is lets errors.Is match any error of the same kind, so sentinel values like
// ErrInsufficientBalance work as targets.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound            = New(NotFound, "not found")
	ErrUnauthorized        = New(Unauthorized, "unauthorized")
	ErrInvalidState        = New(InvalidState, "invalid state")
	ErrValidation          = New(Validation, "validation error")
	ErrInsufficientBalance = New(InsufficientBalance, "insufficient balance")
	ErrAlreadyProcessed    = New(AlreadyProcessed, "already processed")
	ErrConflictRace        = New(ConflictRace, "lost concurrent update")
)

// KindOf extracts the kind from err, or Internal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
