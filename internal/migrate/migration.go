// ABOUTME: Migration definition and the ordered, validated registry of migrations
// ABOUTME: Checksums are a SHA-256 of the forward script so code/history drift is detectable

package migrate

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidRegistry is wrapped by every registry validation failure.
var ErrInvalidRegistry = errors.New("invalid migration registry")

// Migration is one versioned schema change. Up is applied going forward and
// Down reverses it. An empty Down marks the migration irreversible.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Checksum returns the hex SHA-256 of the forward script.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.Up))
	return hex.EncodeToString(sum[:])
}

// Reversible reports whether the migration defines a reverse script.
func (m Migration) Reversible() bool {
	return strings.TrimSpace(m.Down) != ""
}

// Registry is the ordered catalogue of migrations known to the binary.
type Registry struct {
	migrations []Migration
}

// NewRegistry sorts and validates migrations. Versions must be unique,
// positive and contiguous starting at 1, and every migration needs a name
// and a forward script.
func NewRegistry(migrations ...Migration) (*Registry, error) {
	sorted := slices.Clone(migrations)
	slices.SortFunc(sorted, func(a, b Migration) int { return a.Version - b.Version })

	for i, m := range sorted {
		want := i + 1
		switch {
		case m.Version <= 0:
			return nil, fmt.Errorf("%w: version %d is not positive", ErrInvalidRegistry, m.Version)
		case i > 0 && m.Version == sorted[i-1].Version:
			return nil, fmt.Errorf("%w: duplicate version %d", ErrInvalidRegistry, m.Version)
		case m.Version != want:
			return nil, fmt.Errorf("%w: expected version %d, found %d", ErrInvalidRegistry, want, m.Version)
		case strings.TrimSpace(m.Name) == "":
			return nil, fmt.Errorf("%w: version %d has no name", ErrInvalidRegistry, m.Version)
		case strings.TrimSpace(m.Up) == "":
			return nil, fmt.Errorf("%w: version %d has no forward script", ErrInvalidRegistry, m.Version)
		}
	}
	return &Registry{migrations: sorted}, nil
}

// MustRegistry is NewRegistry for catalogues fixed at compile time.
func MustRegistry(migrations ...Migration) *Registry {
	r, err := NewRegistry(migrations...)
	if err != nil {
		panic(err)
	}
	return r
}

// All returns the migrations in ascending version order.
func (r *Registry) All() []Migration {
	return slices.Clone(r.migrations)
}

// Get returns the migration with the given version.
func (r *Registry) Get(version int) (Migration, bool) {
	if version < 1 || version > len(r.migrations) {
		return Migration{}, false
	}
	return r.migrations[version-1], true
}

// Latest returns the highest registered version, or 0 for an empty registry.
func (r *Registry) Latest() int {
	return len(r.migrations)
}
