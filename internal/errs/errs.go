// Package errs defines the error taxonomy shared by the ledger, registry,
// matching engine, settlement and reaper.
//
// Every domain error is an *Error carrying a Kind. Callers branch with
// errors.Is against the Kind sentinels:
//
//	if errors.Is(err, errs.ErrConflict) { ... }
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindInvariant         Kind = "invariant_violation"
)

// Sentinels for errors.Is.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrInvariant         = &Error{Kind: KindInvariant}
)

// Error is a classified domain error.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "ledger.lock"
	Msg  string
	Err  error // optional cause
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the caller may retry the operation unchanged.
func (e *Error) Retryable() bool {
	return e.Kind == KindConflict
}

// Validation returns a malformed-input error.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// InsufficientFunds returns a funds error for a lock or debit that would go negative.
func InsufficientFunds(op, holder, asset string, need, have int64) error {
	return &Error{
		Kind: KindInsufficientFunds,
		Op:   op,
		Msg:  fmt.Sprintf("holder %s has %d %s available, needs %d", holder, have, asset, need),
	}
}

// NotFound returns an unknown-entity error.
func NotFound(op, what, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf("%s %q not found", what, id)}
}

// Conflict returns a concurrent-state-change error.
func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Invariant returns an internal bookkeeping error. These must never be retried.
func Invariant(op, format string, args ...any) error {
	return &Error{Kind: KindInvariant, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or "" when err is not a domain error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a retryable domain error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
