// Package taskerr classifies pipeline failures so the worker runtime
// can decide between retrying, dead-lettering and rejecting outright.
package taskerr

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Kind buckets an error by how the runtime should react to it.
type Kind string

const (
	// Transient covers timeouts and unreachable stores; the task is
	// retried with backoff.
	Transient Kind = "transient"
	// ModelParse marks an unusable LLM response. The pipeline degrades
	// in place instead of retrying, so this kind never requeues.
	ModelParse Kind = "model_parse"
	// StoreConflict marks a write that lost a race (duplicate key,
	// stale row). Retried: the next attempt sees the winner.
	StoreConflict Kind = "store_conflict"
	// NotFound marks an operation aimed at a memory that no longer
	// exists. Skipped, never retried.
	NotFound Kind = "not_found"
	// PermanentReject marks invalid input (empty content, oversized
	// batch). Rejected at the seam, never enqueued.
	PermanentReject Kind = "permanent_reject"
	// Fatal marks exhausted retries or unrecoverable state; the task
	// goes to the dead letter stream.
	Fatal Kind = "fatal"
)

// Error is a classified pipeline error. It wraps a cause (stack
// included via pkg/errors) and carries the Kind for the runtime.
type Error struct {
	kind  Kind
	cause error
}

// New creates a classified error with a fresh message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap classifies an existing error, annotating it with a message.
// Returns an untyped nil when err is nil so callers can hand the result
// straight back as their error value.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, cause: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with a format string.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, cause: errors.Wrapf(err, format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the classification.
func (e *Error) Kind() Kind { return e.kind }

// KindOf extracts the Kind from anywhere in the error chain. Plain
// context timeouts classify as Transient; any other unclassified error
// defaults to Transient as well, so the runtime errs on the side of
// retrying rather than dropping work.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	return Transient
}

// Retryable reports whether the runtime should requeue the task.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, StoreConflict:
		return true
	default:
		return false
	}
}
