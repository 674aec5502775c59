// Package errs defines the failure taxonomy shared by the dispatch
// pipeline and its collaborators. Every externally surfaced failure is
// classified by a Kind so callers can decide retry and reply behavior
// without string matching.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure.
type Kind string

const (
	// Validation marks malformed task/project fields. Reported, never retried.
	Validation Kind = "validation"
	// NotFound marks a referenced record that does not exist. Never retried.
	NotFound Kind = "not-found"
	// Unavailable marks a transient service failure. Retried per pipeline policy.
	Unavailable Kind = "service-unavailable"
	// Classification marks a failed or unparseable language-model extraction.
	Classification Kind = "classification-failure"
	// PermissionDenied marks an admin-only command from a non-admin caller.
	PermissionDenied Kind = "permission-denied"
	// RateLimited marks a caller that exceeded its dispatch quota.
	RateLimited Kind = "rate-limited"
)

// Error is a kind-coded failure. Step names the multi-step operation
// phase that failed, when there is one. RetryAfter is a wait hint for
// rate-limited and throttled failures.
type Error struct {
	Kind       Kind
	Step       string
	RetryAfter time.Duration
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a kind-coded error with a fixed message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns a kind-coded error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind, preserving the chain for errors.Is/As.
// A nil err yields nil.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// WithStep names the operation step that failed.
func (e *Error) WithStep(step string) *Error {
	if e == nil {
		return nil
	}
	e.Step = step
	return e
}

// WithWait attaches a wait hint.
func (e *Error) WithWait(d time.Duration) *Error {
	if e == nil {
		return nil
	}
	e.RetryAfter = d
	return e
}

// KindOf returns the Kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// StepOf returns the innermost step recorded on err's chain, or "".
func StepOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Step != "" {
			return e.Step
		}
		err = e.Err
	}
	return ""
}

// WaitOf returns the wait hint recorded on err, or zero.
func WaitOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// MessageOf returns the outermost crafted message on err's chain, or ""
// when err only wraps lower-level detail. Reply rendering uses this to
// keep internal errors out of caller-facing text.
func MessageOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Msg != "" {
			return e.Msg
		}
		err = e.Err
	}
	return ""
}

// IsRetryable reports whether err is of the one transient class the
// pipeline retries.
func IsRetryable(err error) bool {
	return Is(err, Unavailable)
}
