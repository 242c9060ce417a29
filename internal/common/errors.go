// Package common holds the error taxonomy, identifiers, and small shared
// types used across the storage core.
package common

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error for callers that need to branch on failure mode
// (spec.md §7) without string-matching messages.
type Kind uint8

const (
	KindNotFound Kind = iota
	KindCorruption
	KindConflict
	KindDeadlock
	KindTimeout
	KindValidation
	KindIO
	KindRecovery
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindCorruption:
		return "Corruption"
	case KindConflict:
		return "Conflict"
	case KindDeadlock:
		return "Deadlock"
	case KindTimeout:
		return "Timeout"
	case KindValidation:
		return "Validation"
	case KindIO:
		return "IO"
	case KindRecovery:
		return "Recovery"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned from every core operation. It
// carries a Kind for programmatic dispatch and wraps an underlying cause
// (if any) with github.com/pkg/errors so a stack trace survives up to the
// first boundary that logs it.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "PageManager.Insert"
	Err  error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, common.KindX) style checks via a sentinel kind
// wrapper; callers normally use IsKind instead.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an Error of the given kind, wrapping cause (which may be
// nil) with a stack trace via pkg/errors.
func New(kind Kind, op string, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Wrap attaches op/kind context to an existing error, preserving it as the
// cause. The returned Error always carries kind; if err is already a
// *Error it stays reachable as the cause, so IsKind matches its kind too.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: errors.Wrap(err, op)}
}

// IsKind reports whether err (or any error it wraps) carries the given Kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		type causer interface{ Cause() error }
		if c, ok := err.(causer); ok {
			err = c.Cause()
			continue
		}
		break
	}
	return false
}
