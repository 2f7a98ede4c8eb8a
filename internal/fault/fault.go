// Package fault classifies errors into the kinds the pipeline acts on:
// retry, surface to the user, or absorb. Wrapping stays plain %w chains;
// the kind rides along and is recovered with KindOf.
package fault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// Kind is the error classification used for propagation decisions.
type Kind uint8

const (
	Unknown Kind = iota
	// Validation is bad input known at ingest. Reported, never retried.
	Validation
	// NotFound is a missing path, KB, tool or record.
	NotFound
	// Conflict is a second concurrent operation on the same resource.
	Conflict
	// Transient is a transport hiccup or rate-limited remote. Retryable.
	Transient
	// Permanent is a policy violation or non-retryable remote status.
	Permanent
	// Timeout is a deadline exceeded at an operation boundary.
	Timeout
	// Cancelled is cooperative cancellation. Never surfaced to the user.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error carries a Kind through an error chain.
type Error struct {
	Kind Kind
	Op   string // dotted operation name, e.g. "tracker.record"
	Err  error  // wrapped cause, may be nil
	Msg  string
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return e.Op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return e.Op + ": " + e.Msg
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a kinded error with a fixed message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns a kinded error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation name to err. Returns nil for nil err.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf walks the chain and returns the outermost explicit Kind.
// Context and fs errors map to their natural kinds when no explicit
// Kind was attached.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != Unknown {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, fs.ErrNotExist):
		return NotFound
	case errors.Is(err, fs.ErrPermission):
		return Permanent
	}
	return Unknown
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool { return KindOf(err) == Transient }
