// ABOUTME: Tests for the serialized persistence facade
// ABOUTME: Covers open/close lifecycle, FIFO ordering, concurrency, cancellation and busy classification

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/2389/upkeep/internal/metrics"
)

func newTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:", opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// blockWorker occupies the worker with a transaction that waits on release.
// It returns once the worker is inside the body.
func blockWorker(t *testing.T, db *DB) (release func(), finished <-chan error) {
	t.Helper()
	entered := make(chan struct{})
	gate := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- db.Transaction(context.Background(), func(tx *Tx) error {
			close(entered)
			<-gate
			return nil
		})
	}()
	<-entered
	return func() { close(gate) }, errc
}

func TestOpen_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "upkeep.db")

	db, err := Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
	assert.Equal(t, dbPath, db.Path())
}

func TestOpen_AppliesPragmas(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "upkeep.db")
	db, err := Open(context.Background(), dbPath, WithBusyTimeout(1500*time.Millisecond))
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	row, err := db.QueryRow(ctx, "PRAGMA journal_mode")
	require.NoError(t, err)
	mode, err := row.Get("journal_mode").AsText()
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)

	row, err = db.QueryRow(ctx, "PRAGMA foreign_keys")
	require.NoError(t, err)
	fk, err := row.Get("foreign_keys").AsInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(1), fk)

	row, err = db.QueryRow(ctx, "PRAGMA busy_timeout")
	require.NoError(t, err)
	timeout, err := row.Get("timeout").AsInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(1500), timeout)
}

func TestOpen_DataSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "upkeep.db")
	ctx := context.Background()

	db, err := Open(ctx, dbPath)
	require.NoError(t, err)
	_, err = db.Execute(ctx, `CREATE TABLE assets (name TEXT)`)
	require.NoError(t, err)
	_, err = db.Execute(ctx, `INSERT INTO assets (name) VALUES (?)`, "chiller-2")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, dbPath)
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.Query(ctx, `SELECT name FROM assets`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "chiller-2", rows[0].Get("name").String())
}

func TestQuery_EmptyResult(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.Execute(ctx, `CREATE TABLE empty (id INTEGER)`)
	require.NoError(t, err)

	rows, err := db.Query(ctx, `SELECT id FROM empty`)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = db.QueryRow(ctx, `SELECT id FROM empty`)
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestExecute_RowsAffected(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.Execute(ctx, `CREATE TABLE work_orders (id INTEGER PRIMARY KEY, status TEXT)`)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := db.Execute(ctx, `INSERT INTO work_orders (id, status) VALUES (?, 'open')`, i)
		require.NoError(t, err)
	}

	n, err := db.Execute(ctx, `UPDATE work_orders SET status = 'closed' WHERE id <= ?`, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = db.Execute(ctx, `DELETE FROM work_orders WHERE id = ?`, 99)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestInsertAndReturnID_Sequential(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.Execute(ctx, `CREATE TABLE notes (id INTEGER PRIMARY KEY AUTOINCREMENT, body TEXT)`)
	require.NoError(t, err)

	first, err := db.InsertAndReturnID(ctx, `INSERT INTO notes (body) VALUES (?)`, "a")
	require.NoError(t, err)
	second, err := db.InsertAndReturnID(ctx, `INSERT INTO notes (body) VALUES (?)`, "b")
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
}

func TestUnsupportedParameter_NothingExecuted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.Execute(ctx, `CREATE TABLE t (v TEXT)`)
	require.NoError(t, err)

	_, err = db.Execute(ctx, `INSERT INTO t (v) VALUES (?)`, struct{}{})
	require.ErrorIs(t, err, ErrUnsupportedParameterType)

	rows, err := db.Query(ctx, `SELECT v FROM t`)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSyntaxError_IsStoreError(t *testing.T) {
	db := newTestDB(t)

	_, err := db.Query(context.Background(), `SELEKT nothing`)
	require.Error(t, err)

	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Busy())
	assert.False(t, errors.Is(err, ErrStoreBusy))
}

func TestClosedDB_NotInitialized(t *testing.T) {
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "Close must be idempotent")

	ctx := context.Background()
	_, err = db.Query(ctx, `SELECT 1`)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = db.Execute(ctx, `SELECT 1`)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = db.InsertAndReturnID(ctx, `SELECT 1`)
	assert.ErrorIs(t, err, ErrNotInitialized)
	err = db.Transaction(ctx, func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, ErrNotInitialized)

	var nilDB *DB
	_, err = nilDB.Query(ctx, `SELECT 1`)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, nilDB.Close())
}

func TestClose_DrainsQueuedWork(t *testing.T) {
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	ctx := context.Background()

	_, err = db.Execute(ctx, `CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)

	release, finished := blockWorker(t, db)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = db.Execute(ctx, `INSERT INTO t (v) VALUES (?)`, i)
		}(i)
	}
	require.Eventually(t, func() bool { return db.Stats().Queued == 5 }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- db.Close() }()

	release()
	require.NoError(t, <-finished)
	require.NoError(t, <-closed)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "queued operation %d", i)
	}
	assert.Equal(t, uint64(7), db.Stats().Processed)
}

func TestFIFOOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.Execute(ctx, `CREATE TABLE seq (id INTEGER PRIMARY KEY AUTOINCREMENT, n INTEGER)`)
	require.NoError(t, err)

	release, finished := blockWorker(t, db)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := db.Execute(ctx, `INSERT INTO seq (n) VALUES (?)`, i)
			assert.NoError(t, err)
		}(i)
		// Wait for this submission to be queued before issuing the next.
		require.Eventually(t, func() bool { return db.Stats().Queued == int64(i+1) }, time.Second, time.Millisecond)
	}

	release()
	require.NoError(t, <-finished)
	wg.Wait()

	rows, err := db.Query(ctx, `SELECT n FROM seq ORDER BY id`)
	require.NoError(t, err)
	require.Len(t, rows, n)
	for i, row := range rows {
		got, err := row.Get("n").AsInt64()
		require.NoError(t, err)
		assert.Equal(t, int64(i), got)
	}
}

func TestConcurrentReadModifyWrite_NoLostUpdates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.Execute(ctx, `CREATE TABLE counter (id INTEGER PRIMARY KEY, value INTEGER NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Execute(ctx, `INSERT INTO counter (id, value) VALUES (1, 0)`)
	require.NoError(t, err)

	const workers = 50
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return db.Transaction(gctx, func(tx *Tx) error {
				row, err := tx.QueryRow(gctx, `SELECT value FROM counter WHERE id = 1`)
				if err != nil {
					return err
				}
				v, err := row.Get("value").AsInt64()
				if err != nil {
					return err
				}
				_, err = tx.Execute(gctx, `UPDATE counter SET value = ? WHERE id = 1`, v+1)
				return err
			})
		})
	}
	require.NoError(t, g.Wait())

	row, err := db.QueryRow(ctx, `SELECT value FROM counter WHERE id = 1`)
	require.NoError(t, err)
	v, err := row.Get("value").AsInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(workers), v)
}

func TestCancelledWhileQueued_NeverExecutes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.Execute(ctx, `CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)

	release, finished := blockWorker(t, db)

	cctx, cancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		_, err := db.Execute(cctx, `INSERT INTO t (v) VALUES (1)`)
		errc <- err
	}()
	require.Eventually(t, func() bool { return db.Stats().Queued == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	release()
	require.NoError(t, <-finished)

	rows, err := db.Query(ctx, `SELECT v FROM t`)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBusy_ClassifiedAsStoreBusy(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shared.db")
	ctx := context.Background()

	holder, err := Open(ctx, dbPath)
	require.NoError(t, err)
	defer holder.Close()

	_, err = holder.Execute(ctx, `CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)

	contender, err := Open(ctx, dbPath, WithBusyTimeout(10*time.Millisecond))
	require.NoError(t, err)
	defer contender.Close()

	entered := make(chan struct{})
	gate := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- holder.Transaction(ctx, func(tx *Tx) error {
			if _, err := tx.Execute(ctx, `INSERT INTO t (v) VALUES (1)`); err != nil {
				return err
			}
			close(entered)
			<-gate
			return nil
		})
	}()
	<-entered

	_, err = contender.Execute(ctx, `INSERT INTO t (v) VALUES (2)`)
	close(gate)
	require.NoError(t, <-done)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreBusy)

	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Busy())
}

func TestMetrics_RecordsOperations(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	db := newTestDB(t, WithMetrics(collector))
	ctx := context.Background()

	_, err := db.Execute(ctx, `CREATE TABLE t (v INTEGER)`)
	require.NoError(t, err)
	_, err = db.Query(ctx, `SELECT v FROM t`)
	require.NoError(t, err)
	_, err = db.Query(ctx, `SELECT nope FROM t`)
	require.Error(t, err)

	expected := `
# HELP upkeep_store_operations_total Store operations processed by the serialized worker
# TYPE upkeep_store_operations_total counter
upkeep_store_operations_total{op="execute",result="ok"} 1
upkeep_store_operations_total{op="query",result="error"} 1
upkeep_store_operations_total{op="query",result="ok"} 1
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected), "upkeep_store_operations_total")
	assert.NoError(t, err)
}

func TestStats_StatementCache(t *testing.T) {
	db := newTestDB(t, WithStatementCacheSize(2))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := db.Query(ctx, `SELECT 1 AS one`)
		require.NoError(t, err)
	}
	st := db.Stats()
	assert.Equal(t, int64(1), st.CachedStatements)
	assert.Equal(t, uint64(2), st.CacheHits)

	for i := 0; i < 3; i++ {
		_, err := db.Query(ctx, fmt.Sprintf(`SELECT %d AS n`, i))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), db.Stats().CachedStatements, "cache must stay bounded")
}

func TestStats_CacheDisabled(t *testing.T) {
	db := newTestDB(t, WithStatementCacheSize(0))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		row, err := db.QueryRow(ctx, `SELECT ? AS echo`, i)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), row.Get("echo").String())
	}
	assert.Equal(t, int64(0), db.Stats().CachedStatements)
}
