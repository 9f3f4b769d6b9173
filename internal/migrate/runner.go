// ABOUTME: Applies pending migrations one transaction each and performs gated rollback
// ABOUTME: History lives in schema_migrations(version, name, checksum, applied_at)

package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/upkeep/internal/metrics"
	"github.com/2389/upkeep/internal/store"
)

const historyTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		checksum   TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)
`

// Record is one row of applied history.
type Record struct {
	Version   int
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Status describes a registry migration against applied history.
type Status struct {
	Version    int
	Name       string
	Applied    bool
	AppliedAt  time.Time
	ChecksumOK bool // false only when applied with a different forward script
	Reversible bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithAllowRollback opens the rollback gate.
func WithAllowRollback(allow bool) Option {
	return func(r *Runner) { r.allowRollback = allow }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithClock overrides the time source used for applied_at.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithMetrics counts applied and rolled back migrations on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = c }
}

// Runner brings a store's schema in line with a Registry.
type Runner struct {
	db            *store.DB
	registry      *Registry
	allowRollback bool
	logger        *slog.Logger
	now           func() time.Time
	metrics       *metrics.Collector
}

// NewRunner creates a Runner. Rollback is disabled unless WithAllowRollback(true) is given.
func NewRunner(db *store.DB, registry *Registry, opts ...Option) *Runner {
	r := &Runner{
		db:       db,
		registry: registry,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "migrate")
	return r
}

func (r *Runner) ensureHistory(ctx context.Context) error {
	if _, err := r.db.Execute(ctx, historyTable); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}
	return nil
}

// CurrentVersion returns the highest applied version, or 0 on a fresh store.
func (r *Runner) CurrentVersion(ctx context.Context) (int, error) {
	if err := r.ensureHistory(ctx); err != nil {
		return 0, err
	}
	row, err := r.db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) AS current_version FROM schema_migrations`)
	if err != nil {
		return 0, fmt.Errorf("reading current version: %w", err)
	}
	v, err := row.Get("current_version").AsInt64()
	if err != nil {
		return 0, fmt.Errorf("reading current version: %w", err)
	}
	return int(v), nil
}

// History returns applied records in ascending version order.
func (r *Runner) History(ctx context.Context) ([]Record, error) {
	if err := r.ensureHistory(ctx); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("reading schema history: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := scanRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func scanRecord(row store.Row) (Record, error) {
	version, err := row.Get("version").AsInt64()
	if err != nil {
		return Record{}, fmt.Errorf("scanning version: %w", err)
	}
	name, err := row.Get("name").AsText()
	if err != nil {
		return Record{}, fmt.Errorf("scanning name: %w", err)
	}
	checksum, err := row.Get("checksum").AsText()
	if err != nil {
		return Record{}, fmt.Errorf("scanning checksum: %w", err)
	}
	appliedAt, err := row.Get("applied_at").AsTime()
	if err != nil {
		return Record{}, fmt.Errorf("scanning applied_at: %w", err)
	}
	return Record{Version: int(version), Name: name, Checksum: checksum, AppliedAt: appliedAt}, nil
}

// Verify compares every applied record with the registry. It returns a
// *ChecksumMismatchError for drifted scripts and ErrUnknownVersion for
// history the registry does not contain.
func (r *Runner) Verify(ctx context.Context) error {
	records, err := r.History(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		m, ok := r.registry.Get(rec.Version)
		if !ok {
			return fmt.Errorf("%w: version %d (%s)", ErrUnknownVersion, rec.Version, rec.Name)
		}
		if sum := m.Checksum(); sum != rec.Checksum {
			return &ChecksumMismatchError{Version: rec.Version, Recorded: rec.Checksum, Current: sum}
		}
	}
	return nil
}

// Migrate applies every pending migration in ascending order and returns how
// many were applied. It stops at the first failure, which is returned as a
// *MigrationFailedError; earlier migrations in the run stay applied.
func (r *Runner) Migrate(ctx context.Context) (int, error) {
	if err := r.Verify(ctx); err != nil {
		return 0, err
	}

	current, err := r.CurrentVersion(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range r.registry.All() {
		if m.Version <= current {
			continue
		}
		done, err := r.apply(ctx, m)
		if err != nil {
			r.logger.Error("migration failed", "version", m.Version, "name", m.Name, "error", err)
			return applied, &MigrationFailedError{Version: m.Version, Name: m.Name, Err: err}
		}
		if !done {
			r.logger.Debug("migration already applied by another caller", "version", m.Version, "name", m.Name)
			continue
		}
		r.metrics.MigrationApplied()
		r.logger.Info("applied migration", "version", m.Version, "name", m.Name)
		applied++
	}

	if applied == 0 {
		r.logger.Debug("schema up to date", "version", current)
	}
	return applied, nil
}

// apply and revert retry on ErrStoreBusy; a busy failure rolls the whole
// migration back, so a retry starts clean.
//
// apply re-reads the current version inside its transaction and reports
// false when m was recorded after Migrate read the version.
func (r *Runner) apply(ctx context.Context, m Migration) (bool, error) {
	var done bool
	err := store.RetryBusy(ctx, func(ctx context.Context) error {
		return r.db.Transaction(ctx, func(tx *store.Tx) error {
			done = false
			row, err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) AS current_version FROM schema_migrations`)
			if err != nil {
				return fmt.Errorf("reading current version: %w", err)
			}
			current, err := row.Get("current_version").AsInt64()
			if err != nil {
				return fmt.Errorf("reading current version: %w", err)
			}
			if int(current) >= m.Version {
				return nil
			}

			if err := tx.ExecScript(ctx, m.Up); err != nil {
				return err
			}
			_, err = tx.Execute(ctx,
				`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
				m.Version, m.Name, m.Checksum(), r.now())
			if err != nil {
				return fmt.Errorf("recording version: %w", err)
			}
			done = true
			return nil
		})
	})
	return done, err
}

// Rollback reverts applied migrations above target, newest first, and
// returns how many were reverted. It refuses with ErrRollbackDisabled unless
// the gate is open, and with *IrreversibleMigrationError before touching
// anything if any migration in range has no reverse script.
func (r *Runner) Rollback(ctx context.Context, target int) (int, error) {
	if !r.allowRollback {
		return 0, ErrRollbackDisabled
	}

	if err := r.Verify(ctx); err != nil {
		return 0, err
	}
	current, err := r.CurrentVersion(ctx)
	if err != nil {
		return 0, err
	}
	if target < 0 || target > current {
		return 0, fmt.Errorf("%w: %d (current version %d)", ErrInvalidTarget, target, current)
	}

	var plan []Migration
	for v := current; v > target; v-- {
		m, ok := r.registry.Get(v)
		if !ok {
			return 0, fmt.Errorf("%w: version %d", ErrUnknownVersion, v)
		}
		if !m.Reversible() {
			return 0, &IrreversibleMigrationError{Version: m.Version, Name: m.Name}
		}
		plan = append(plan, m)
	}

	reverted := 0
	for _, m := range plan {
		if err := r.revert(ctx, m); err != nil {
			r.logger.Error("rollback failed", "version", m.Version, "name", m.Name, "error", err)
			return reverted, &MigrationFailedError{Version: m.Version, Name: m.Name, Err: err}
		}
		r.metrics.MigrationRolledBack()
		r.logger.Warn("rolled back migration", "version", m.Version, "name", m.Name)
		reverted++
	}
	return reverted, nil
}

func (r *Runner) revert(ctx context.Context, m Migration) error {
	return store.RetryBusy(ctx, func(ctx context.Context) error {
		return r.db.Transaction(ctx, func(tx *store.Tx) error {
			if err := tx.ExecScript(ctx, m.Down); err != nil {
				return err
			}
			n, err := tx.Execute(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version)
			if err != nil {
				return fmt.Errorf("deleting version record: %w", err)
			}
			if n != 1 {
				return errors.New("version record vanished during rollback")
			}
			return nil
		})
	})
}

// Status reports every registry migration with its applied state.
func (r *Runner) Status(ctx context.Context) ([]Status, error) {
	records, err := r.History(ctx)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int]Record, len(records))
	for _, rec := range records {
		byVersion[rec.Version] = rec
	}

	all := r.registry.All()
	out := make([]Status, 0, len(all))
	for _, m := range all {
		st := Status{
			Version:    m.Version,
			Name:       m.Name,
			ChecksumOK: true,
			Reversible: m.Reversible(),
		}
		if rec, ok := byVersion[m.Version]; ok {
			st.Applied = true
			st.AppliedAt = rec.AppliedAt
			st.ChecksumOK = rec.Checksum == m.Checksum()
		}
		out = append(out, st)
	}
	return out, nil
}
