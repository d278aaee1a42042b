package state

import (
	"github.com/filecoin-project/go-state-types/big"
	"golang.org/x/xerrors"
)

// FatalError wraps an unrecoverable failure: one that aborts the enclosing
// message execution rather than surfacing as an actor-level exit code.
// Every public StateTree method that can fail fatally returns one of
// these, never a bare error, so callers can type-switch to decide whether
// to unwind the whole call stack.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError, or returns nil if err is nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Fatalf formats a new fatal error.
func Fatalf(format string, args ...interface{}) error {
	return &FatalError{Err: xerrors.Errorf(format, args...)}
}

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return xerrors.As(err, &fe)
}

// OrFatal classifies any error originating from the block store or from
// serialization as fatal, matching the reference engine's "anything from
// the block store is fatal by default" propagation policy. Errors that are
// already one of the tree's own recoverable syscall kinds pass through
// unchanged.
func OrFatal(err error) error {
	if err == nil {
		return nil
	}
	if isRecoverable(err) {
		return err
	}
	return Fatal(err)
}

func isRecoverable(err error) bool {
	var ro *ReadOnlyError
	var insuf *InsufficientFundsError
	var nf *NotFoundError
	return xerrors.As(err, &ro) || xerrors.As(err, &insuf) || xerrors.As(err, &nf)
}

// ReadOnlyError is the recoverable syscall error surfaced by
// assert_writable when a mutation is attempted inside a read-only
// transaction frame.
type ReadOnlyError struct{}

func (e *ReadOnlyError) Error() string { return "syscall: cannot mutate state while read-only" }

// InsufficientFundsError is the recoverable syscall error surfaced by
// DeductFunds when the actor's balance is less than the requested amount.
type InsufficientFundsError struct {
	Requested big.Int
	Available big.Int
}

func (e *InsufficientFundsError) Error() string {
	return "syscall: insufficient funds: requested " + e.Requested.String() + ", available " + e.Available.String()
}

// NotFoundError is the recoverable syscall error for lookups that expect an
// actor to exist.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string { return "syscall: not found: " + e.What }
