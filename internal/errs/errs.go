// Package errs defines the error kinds that cross component boundaries in
// the scan orchestration core. Every boundary carries a stable, machine
// readable code rather than an opaque error value (spec §7).
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purpose of HTTP status mapping, retry
// policy, and session-state transitions. It is not a type hierarchy — code
// that needs to distinguish failures should switch on Kind, not on an error
// type assertion.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuthorization   Kind = "authorization"
	KindConflict        Kind = "conflict"
	KindTransientIO     Kind = "transient_io"
	KindTerminalSession Kind = "terminal_session"
	KindInvariantBreach Kind = "invariant_breach"
)

// Error is a boundary error: a Kind, a stable machine-readable Code, and a
// human-readable Message, optionally wrapping a cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a boundary Error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap constructs a boundary Error that carries a cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Stable machine-readable codes referenced directly by spec §6/§7.
const (
	CodeTenantBlocked    = "tenant_blocked"
	CodeDuplicateActive  = "duplicate_active"
	CodeRateLimited      = "rate_limited"
	CodeInvalidOptions   = "invalid_options"
	CodeBrandMissing     = "brand_missing"
	CodeUnauthenticated  = "unauthenticated"
	CodeExcessiveErrors  = "excessive_errors"
	CodeOwnershipTooLow  = "ownership_insufficient"
	CodeQueueEntryGone   = "queue_entry_not_found"
	CodeSessionNotFound  = "session_not_found"
	CodeInternal         = "internal_error"
)

// Is reports whether err is a boundary Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Code extracts the machine-readable code from err, or CodeInternal if err
// is not a boundary Error.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

var (
	// ErrInvariantBreach is returned when an internal invariant check fails
	// (a counter went backwards, a terminal state was re-entered). Callers
	// should log at high severity and halt the owning task.
	ErrInvariantBreach = New(KindInvariantBreach, "invariant_breach", "internal invariant violated")
)
