// ABOUTME: Tests for the migration runner
// ABOUTME: Covers idempotence, per-migration atomicity, checksum drift and the gated rollback scenario

package migrate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/2389/upkeep/internal/metrics"
	"github.com/2389/upkeep/internal/store"
)

var (
	createSites = Migration{
		Version: 1,
		Name:    "create_sites",
		Up:      `CREATE TABLE sites (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`,
		Down:    `DROP TABLE sites;`,
	}
	createAssets = Migration{
		Version: 2,
		Name:    "create_assets",
		Up: `
			CREATE TABLE assets (id INTEGER PRIMARY KEY, site_id INTEGER NOT NULL REFERENCES sites(id), tag TEXT);
			CREATE INDEX idx_assets_site ON assets(site_id);
		`,
		Down: `DROP INDEX idx_assets_site; DROP TABLE assets;`,
	}
	brokenThird = Migration{
		Version: 3,
		Name:    "broken",
		Up: `
			CREATE TABLE half_done (id INTEGER);
			ALTER TABLE no_such_table ADD COLUMN x TEXT;
		`,
		Down: `DROP TABLE half_done;`,
	}
	irreversibleThird = Migration{
		Version: 3,
		Name:    "backfill_tags",
		Up:      `UPDATE assets SET tag = lower(tag);`,
	}
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *store.DB, name string) bool {
	t.Helper()
	rows, err := db.Query(context.Background(),
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
	require.NoError(t, err)
	return len(rows) == 1
}

func historyCount(t *testing.T, db *store.DB) int64 {
	t.Helper()
	row, err := db.QueryRow(context.Background(), `SELECT COUNT(*) AS n FROM schema_migrations`)
	require.NoError(t, err)
	n, err := row.Get("n").AsInt64()
	require.NoError(t, err)
	return n
}

func TestMigrate_FreshStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fixed := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	r := NewRunner(db, MustRegistry(createSites, createAssets), WithClock(func() time.Time { return fixed }))

	v, err := r.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	n, err := r.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, err = r.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.True(t, tableExists(t, db, "assets"))

	history, err := r.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, createAssets.Checksum(), history[1].Checksum)
	assert.True(t, fixed.Equal(history[0].AppliedAt), "applied_at = %v", history[0].AppliedAt)
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	r := NewRunner(db, MustRegistry(createSites, createAssets))

	_, err := r.Migrate(ctx)
	require.NoError(t, err)

	n, err := r.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second run must perform no work")
	assert.Equal(t, int64(2), historyCount(t, db))
}

func TestApply_SkipsVersionRecordedMeanwhile(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	reg := MustRegistry(createSites, createAssets)

	stale := NewRunner(db, reg)
	v, err := stale.CurrentVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, v)

	_, err = NewRunner(db, reg).Migrate(ctx)
	require.NoError(t, err)

	done, err := stale.apply(ctx, createSites)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, int64(2), historyCount(t, db))
}

func TestMigrate_ConcurrentRunners(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	reg := MustRegistry(createSites, createAssets)

	var counts [4]int
	var g errgroup.Group
	for i := range counts {
		i := i
		g.Go(func() error {
			n, err := NewRunner(db, reg).Migrate(ctx)
			counts[i] = n
			return err
		})
	}
	require.NoError(t, g.Wait())

	total := 0
	for _, n := range counts {
		total += n
	}
	assert.Equal(t, 2, total, "each migration is applied exactly once")
	assert.Equal(t, int64(2), historyCount(t, db))
}

func TestMigrate_AppliesOnlyNewMigrations(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := NewRunner(db, MustRegistry(createSites)).Migrate(ctx)
	require.NoError(t, err)

	n, err := NewRunner(db, MustRegistry(createSites, createAssets)).Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(2), historyCount(t, db))
}

func TestMigrate_FailureIsAtomic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	r := NewRunner(db, MustRegistry(createSites, createAssets, brokenThird))

	n, err := r.Migrate(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, n)

	var mf *MigrationFailedError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, 3, mf.Version)
	assert.Equal(t, "broken", mf.Name)

	v, err := r.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.False(t, tableExists(t, db, "half_done"), "partial forward script must be rolled back")
	assert.Equal(t, int64(2), historyCount(t, db))
}

func TestMigrate_FailureStopsRun(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	badFirst := Migration{Version: 1, Name: "bad", Up: `CREATE TABLE oops (`}
	r := NewRunner(db, MustRegistry(badFirst, Migration{Version: 2, Name: "never", Up: `CREATE TABLE never (id INTEGER);`}))

	_, err := r.Migrate(ctx)
	require.Error(t, err)
	assert.False(t, tableExists(t, db, "never"))

	v, err := r.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestMigrate_ChecksumMismatch(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := NewRunner(db, MustRegistry(createSites)).Migrate(ctx)
	require.NoError(t, err)

	edited := createSites
	edited.Up = `CREATE TABLE sites (id INTEGER PRIMARY KEY, name TEXT NOT NULL, region TEXT);`
	r := NewRunner(db, MustRegistry(edited, createAssets))

	_, err = r.Migrate(ctx)
	var cm *ChecksumMismatchError
	require.ErrorAs(t, err, &cm)
	assert.Equal(t, 1, cm.Version)
	assert.Equal(t, createSites.Checksum(), cm.Recorded)
	assert.Equal(t, edited.Checksum(), cm.Current)

	assert.False(t, tableExists(t, db, "assets"), "nothing may run after drift is detected")
}

func TestMigrate_UnknownAppliedVersion(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := NewRunner(db, MustRegistry(createSites, createAssets)).Migrate(ctx)
	require.NoError(t, err)

	_, err = NewRunner(db, MustRegistry(createSites)).Migrate(ctx)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

// Apply v1 and v2, refuse rollback while gated, then roll back to v1.
func TestRollback_GatedScenario(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	registry := MustRegistry(createSites, createAssets)

	_, err := NewRunner(db, registry).Migrate(ctx)
	require.NoError(t, err)

	gated := NewRunner(db, registry)
	_, err = gated.Rollback(ctx, 1)
	require.ErrorIs(t, err, ErrRollbackDisabled)
	assert.True(t, tableExists(t, db, "assets"))

	open := NewRunner(db, registry, WithAllowRollback(true))
	n, err := open.Rollback(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err := open.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.False(t, tableExists(t, db, "assets"))

	rows, err := db.Query(ctx, `SELECT version FROM schema_migrations WHERE version = 2`)
	require.NoError(t, err)
	assert.Empty(t, rows)

	// Forward again re-applies v2.
	n, err = open.Migrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRollback_ToZero(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	r := NewRunner(db, MustRegistry(createSites, createAssets), WithAllowRollback(true))

	_, err := r.Migrate(ctx)
	require.NoError(t, err)

	n, err := r.Rollback(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, tableExists(t, db, "sites"))
	assert.Equal(t, int64(0), historyCount(t, db))
}

func TestRollback_RefusesIrreversible(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	r := NewRunner(db, MustRegistry(createSites, createAssets, irreversibleThird), WithAllowRollback(true))

	_, err := r.Migrate(ctx)
	require.NoError(t, err)

	_, err = r.Rollback(ctx, 1)
	var irr *IrreversibleMigrationError
	require.ErrorAs(t, err, &irr)
	assert.Equal(t, 3, irr.Version)

	v, err := r.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v, "refusal must not revert anything")
	assert.True(t, tableExists(t, db, "assets"))
}

func TestRollback_InvalidTarget(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	r := NewRunner(db, MustRegistry(createSites), WithAllowRollback(true))

	_, err := r.Migrate(ctx)
	require.NoError(t, err)

	_, err = r.Rollback(ctx, 5)
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, err = r.Rollback(ctx, -1)
	assert.ErrorIs(t, err, ErrInvalidTarget)

	n, err := r.Rollback(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := NewRunner(db, MustRegistry(createSites)).Migrate(ctx)
	require.NoError(t, err)

	statuses, err := NewRunner(db, MustRegistry(createSites, createAssets, irreversibleThird)).Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 3)

	assert.True(t, statuses[0].Applied)
	assert.True(t, statuses[0].ChecksumOK)
	assert.False(t, statuses[0].AppliedAt.IsZero())
	assert.False(t, statuses[1].Applied)
	assert.True(t, statuses[1].Reversible)
	assert.False(t, statuses[2].Reversible)
}

func TestMigrate_Metrics(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	r := NewRunner(db, MustRegistry(createSites, createAssets), WithAllowRollback(true), WithMetrics(collector))
	_, err := r.Migrate(ctx)
	require.NoError(t, err)
	_, err = r.Rollback(ctx, 1)
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "upkeep_migrations_applied_total", "upkeep_migrations_rolled_back_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMigrationFailedError_Unwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := &MigrationFailedError{Version: 4, Name: "x", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "migration 4 (x)")
}
