//go:build sqlite_cgo

// ABOUTME: CGO SQLite driver selection using github.com/mattn/go-sqlite3
// ABOUTME: Enabled with: CGO_ENABLED=1 go build -tags sqlite_cgo ./...

package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver the store opens.
const DriverName = "sqlite3"

// BuildMode describes the compiled driver flavour.
const BuildMode = "cgo"

func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

func isUniqueConstraint(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
