// ABOUTME: Error taxonomy for the persistence facade
// ABOUTME: NotInitialized, StoreBusy, StoreError and codec errors with errors.Is/As support

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotInitialized is returned by every operation on a nil, unopened or closed DB.
var ErrNotInitialized = errors.New("store not initialized")

// ErrStoreBusy marks transient contention reported by the engine. Callers may
// retry with backoff (see RetryBusy).
var ErrStoreBusy = errors.New("store busy")

// ErrNoRows is returned by QueryRow when the query produced no rows.
var ErrNoRows = errors.New("no rows in result set")

// ErrUnsupportedParameterType is matched by every *UnsupportedTypeError.
var ErrUnsupportedParameterType = errors.New("unsupported parameter type")

// ErrKindMismatch is returned by Value accessors when the stored kind cannot
// be converted to the requested one.
var ErrKindMismatch = errors.New("value kind mismatch")

// StoreError wraps a native engine failure with the facade operation that hit it.
type StoreError struct {
	Op   string
	Err  error
	busy bool
}

func (e *StoreError) Error() string {
	if e.busy {
		return fmt.Sprintf("store %s: busy: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is reports ErrStoreBusy for busy/locked engine conditions.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreBusy && e.busy
}

// Busy reports whether the failure was transient contention.
func (e *StoreError) Busy() bool { return e.busy }

// UnsupportedTypeError is returned when a parameter is outside the closed value set.
type UnsupportedTypeError struct {
	Index  int // parameter position, -1 when not binding
	Type   string
	Reason string
}

func (e *UnsupportedTypeError) Error() string {
	msg := "unsupported parameter type " + e.Type
	if e.Index >= 0 {
		msg = fmt.Sprintf("parameter %d: %s", e.Index, msg)
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

func (e *UnsupportedTypeError) Is(target error) bool {
	return target == ErrUnsupportedParameterType
}

// wrapErr classifies a driver error. Context errors and facade errors pass
// through untouched so callers can match them directly.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err, busy: isBusy(err)}
}

// IsUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure. NOT NULL, CHECK and FOREIGN KEY failures are not.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if isUniqueConstraint(err) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
