// ABOUTME: Errors raised by the migration runner
// ABOUTME: Failed applies, checksum drift, and operator-facing rollback refusals

package migrate

import (
	"errors"
	"fmt"
)

// ErrRollbackDisabled is returned by Rollback unless the runner was built
// with rollback allowed.
var ErrRollbackDisabled = errors.New("schema rollback is disabled")

// ErrUnknownVersion means the history records a version this binary does not know.
var ErrUnknownVersion = errors.New("applied version missing from registry")

// ErrInvalidTarget is returned for a rollback target outside [0, current].
var ErrInvalidTarget = errors.New("invalid rollback target")

// MigrationFailedError reports a forward or reverse script that did not
// commit. Nothing from the failing migration was persisted.
type MigrationFailedError struct {
	Version int
	Name    string
	Err     error
}

func (e *MigrationFailedError) Error() string {
	return fmt.Sprintf("migration %d (%s) failed: %v", e.Version, e.Name, e.Err)
}

func (e *MigrationFailedError) Unwrap() error { return e.Err }

// ChecksumMismatchError reports an applied migration whose forward script
// has changed since it was recorded.
type ChecksumMismatchError struct {
	Version  int
	Recorded string
	Current  string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for migration %d: recorded %s, registry %s",
		e.Version, short(e.Recorded), short(e.Current))
}

// IrreversibleMigrationError is returned when a rollback would have to pass
// a migration without a reverse script.
type IrreversibleMigrationError struct {
	Version int
	Name    string
}

func (e *IrreversibleMigrationError) Error() string {
	return fmt.Sprintf("migration %d (%s) is irreversible", e.Version, e.Name)
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
