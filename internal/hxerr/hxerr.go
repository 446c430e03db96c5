// Package hxerr is the single error taxonomy for the core. Every layer
// classifies before it propagates; nothing above the database re-checks
// invariants, it just surfaces the stable HXxxx code the trigger raised.
package hxerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Kind is the closed set of error classes the system recognises.
type Kind int

const (
	Validation Kind = iota
	Authentication
	Authorization
	NotFound
	ConflictInvariant // database trigger veto, carries an HXxxx code
	ConflictState     // precondition failed, e.g. wrong task state
	Retryable         // serialization failure, deadlock, provider 5xx/timeout
	FatalProvider     // provider rejected with a terminal code
	Internal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "VALIDATION"
	case Authentication:
		return "AUTHENTICATION"
	case Authorization:
		return "AUTHORIZATION"
	case NotFound:
		return "NOT_FOUND"
	case ConflictInvariant:
		return "CONFLICT"
	case ConflictState:
		return "CONFLICT"
	case Retryable:
		return "RETRYABLE"
	case FatalProvider:
		return "FATAL_PROVIDER"
	default:
		return "INTERNAL"
	}
}

// Error is the one error shape that crosses package boundaries.
type Error struct {
	Kind    Kind
	Code    string // stable invariant code (HXxxx) when Kind==ConflictInvariant
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets callers match by kind: errors.Is(err, &hxerr.Error{Kind: hxerr.NotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Invariant builds a ConflictInvariant error for the given HX code.
func Invariant(code, message string) *Error {
	return &Error{Kind: ConflictInvariant, Code: code, Message: message}
}

// KindOf extracts the kind, defaulting to Internal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// CodeOf returns the invariant code if the error carries one.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether the error is safe to retry under the C2
// policy: serialization failures, deadlocks and transient provider errors.
func IsRetryable(err error) bool {
	return KindOf(err) == Retryable
}

// Postgres error codes the transaction runtime retries on.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgRaiseException       = "P0001"
)

// FromPg classifies a database error. Trigger-raised invariant vetoes come
// back as P0001 with the HX code leading the message; those must surface
// unchanged and are never retried.
func FromPg(err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return Wrap(Internal, err, "database error")
	}
	switch string(pqErr.Code) {
	case pgSerializationFailure, pgDeadlockDetected:
		return Wrap(Retryable, err, "transaction conflict: %s", pqErr.Message)
	case pgRaiseException:
		if code := invariantCode(pqErr.Message); code != "" {
			return &Error{Kind: ConflictInvariant, Code: code, Message: pqErr.Message, Cause: err}
		}
		return Wrap(Internal, err, "database exception: %s", pqErr.Message)
	case pgUniqueViolation:
		// Duplicate idempotency key. Callers on ledger/outbox paths treat
		// this as a no-op; everyone else sees a state conflict.
		return Wrap(ConflictState, err, "duplicate key: %s", pqErr.Constraint)
	}
	return Wrap(Internal, err, "database error %s: %s", pqErr.Code, pqErr.Message)
}

// invariantCode pulls a leading "HXnnn" token out of a trigger message.
func invariantCode(msg string) string {
	msg = strings.TrimSpace(msg)
	if len(msg) < 5 || !strings.HasPrefix(msg, "HX") {
		return ""
	}
	end := 2
	for end < len(msg) && msg[end] >= '0' && msg[end] <= '9' {
		end++
	}
	if end == 2 {
		return ""
	}
	return msg[:end]
}

// IsUniqueViolation reports whether the raw database error is a unique
// constraint violation, before or after classification.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	return false
}
