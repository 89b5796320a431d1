// Package errors is the error toolkit for the scheduler.
//
// It re-exports github.com/cockroachdb/errors (stack traces, wrapping, hints,
// markers) and defines the error kinds surfaced by the control surface:
//
//	if errors.Is(err, errors.ErrInvalidSpec) { ... }
//
// Kind constructors mark the returned error, so errors.Is matches both the kind
// and any wrapped cause.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint     = crdb.WithHint
	WithHintf    = crdb.WithHintf
	WithDetailf  = crdb.WithDetailf
	FlattenHints = crdb.FlattenHints
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Error kinds.
var (
	// ErrInvalidSpec: malformed cron, zero or several trigger kinds, negative periods.
	ErrInvalidSpec = New("invalid schedule spec")

	// ErrConfigNotFound: operation on a job key without a persisted config.
	ErrConfigNotFound = New("job config not found")

	// ErrSchedulingFailure: the timer/worker machinery refused the installation.
	ErrSchedulingFailure = New("scheduling failure")

	// ErrInvocation: the job callable returned an error or panicked.
	ErrInvocation = New("job invocation failed")

	// ErrNotReady: control operation issued before reconciliation finished.
	ErrNotReady = New("task manager not ready")
)

// InvalidSpecf builds an ErrInvalidSpec with a formatted reason.
func InvalidSpecf(format string, args ...any) error {
	return Mark(Newf("invalid schedule spec: "+format, args...), ErrInvalidSpec)
}

// ConfigNotFound reports a missing config for key.
func ConfigNotFound(key string) error {
	return WithHint(
		Mark(Newf("job config not found: %s", key), ErrConfigNotFound),
		"run reconciliation or check the job key (owner.method)",
	)
}

// SchedulingFailure wraps cause as ErrSchedulingFailure.
func SchedulingFailure(cause error, key string) error {
	if cause == nil {
		return nil
	}
	return Mark(Wrapf(cause, "schedule %s", key), ErrSchedulingFailure)
}

// Invocation wraps a job error as ErrInvocation, keeping cause matchable.
func Invocation(cause error, key string) error {
	if cause == nil {
		return nil
	}
	return Mark(Wrapf(cause, "invoke %s", key), ErrInvocation)
}

// NotReady reports a control operation attempted before reconciliation.
func NotReady(op string) error {
	return Mark(Newf("%s: task manager not ready", op), ErrNotReady)
}

func IsInvalidSpec(err error) bool       { return err != nil && Is(err, ErrInvalidSpec) }
func IsConfigNotFound(err error) bool    { return err != nil && Is(err, ErrConfigNotFound) }
func IsSchedulingFailure(err error) bool { return err != nil && Is(err, ErrSchedulingFailure) }
func IsInvocation(err error) bool        { return err != nil && Is(err, ErrInvocation) }
func IsNotReady(err error) bool          { return err != nil && Is(err, ErrNotReady) }
