// ABOUTME: Persistence facade over a single pinned SQLite connection
// ABOUTME: Every operation is funneled through one FIFO worker goroutine (single-writer discipline)

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/upkeep/internal/metrics"
)

// Default tuning values.
const (
	DefaultBusyTimeout        = 5 * time.Second
	DefaultStatementCacheSize = 128
	defaultQueueDepth         = 64
)

// Option configures Open.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	metrics     *metrics.Collector
	busyTimeout time.Duration
	cacheSize   int
	queueDepth  int
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics records every operation on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithBusyTimeout sets how long the engine waits on a locked file before
// reporting busy.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithStatementCacheSize bounds the prepared statement cache. Zero disables it.
func WithStatementCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// DB is the persistence facade. It owns exactly one connection to the data
// file, and a single worker goroutine services queued operations in
// submission order. Callers block only until their own operation completes.
type DB struct {
	path     string
	logger   *slog.Logger
	metrics  *metrics.Collector
	sqlDB    *sql.DB
	conn     *sql.Conn
	stmts    *stmtCache
	requests chan *request
	done     chan struct{}

	mu     sync.RWMutex // guards closed and sends on requests
	closed bool

	queued    atomic.Int64
	processed atomic.Uint64
}

// request is one unit of work for the worker.
type request struct {
	ctx   context.Context
	op    string
	fn    func(ctx context.Context) (any, error)
	reply chan result
}

type result struct {
	val any
	err error
}

// Stats is a point-in-time snapshot of the facade.
type Stats struct {
	Queued           int64
	Processed        uint64
	CachedStatements int64
	CacheHits        uint64
	CacheMisses      uint64
}

// Open opens (creating if needed) the data file at path, applies the engine
// pragmas and starts the worker. Use ":memory:" for a private in-memory store.
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	o := options{
		logger:      slog.Default(),
		busyTimeout: DefaultBusyTimeout,
		cacheSize:   DefaultStatementCacheSize,
		queueDepth:  defaultQueueDepth,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "store")

	if !isMemoryPath(path) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One physical connection: the worker pins it for the lifetime of the DB.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", o.busyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			conn.Close()
			sqlDB.Close()
			return nil, fmt.Errorf("setting %q: %w", p, err)
		}
	}

	db := &DB{
		path:     path,
		logger:   logger,
		metrics:  o.metrics,
		sqlDB:    sqlDB,
		conn:     conn,
		stmts:    newStmtCache(o.cacheSize),
		requests: make(chan *request, o.queueDepth),
		done:     make(chan struct{}),
	}
	go db.run()

	logger.Info("store opened", "path", path, "driver", DriverName, "mode", BuildMode)
	return db, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file:") || path == ""
}

// Path returns the data file path the store was opened with.
func (db *DB) Path() string {
	if db == nil {
		return ""
	}
	return db.path
}

// run is the worker loop. It exits once Close has closed the request queue
// and every queued operation has been serviced.
func (db *DB) run() {
	defer close(db.done)
	for req := range db.requests {
		db.queued.Add(-1)
		db.serve(req)
	}
	db.stmts.closeAll()
	if err := db.conn.Close(); err != nil {
		db.logger.Warn("closing connection", "error", err)
	}
}

func (db *DB) serve(req *request) {
	// Abandoned before its turn: never executed.
	if err := req.ctx.Err(); err != nil {
		req.reply <- result{err: err}
		return
	}

	start := time.Now()
	val, err := req.fn(req.ctx)
	elapsed := time.Since(start)

	label := metrics.ResultOK
	switch {
	case errors.Is(err, ErrStoreBusy):
		label = metrics.ResultBusy
	case err != nil:
		label = metrics.ResultError
	}
	db.metrics.ObserveStoreOp(req.op, label, elapsed)
	db.processed.Add(1)

	req.reply <- result{val: val, err: err}
}

// submit queues fn for the worker and waits for its result. If ctx ends
// first, submit returns ctx.Err() and the result is discarded; an operation
// that already committed stays committed.
func (db *DB) submit(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	if db == nil || db.requests == nil {
		return nil, ErrNotInitialized
	}

	req := &request{ctx: ctx, op: op, fn: fn, reply: make(chan result, 1)}

	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, ErrNotInitialized
	}
	select {
	case db.requests <- req:
		db.queued.Add(1)
	case <-ctx.Done():
		db.mu.RUnlock()
		return nil, ctx.Err()
	}
	db.mu.RUnlock()

	select {
	case res := <-req.reply:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Query runs a read statement and returns every row.
func (db *DB) Query(ctx context.Context, query string, params ...any) ([]Row, error) {
	val, err := db.submit(ctx, "query", func(ctx context.Context) (any, error) {
		return db.queryOn(ctx, nil, query, params)
	})
	if err != nil {
		return nil, err
	}
	rows, _ := val.([]Row)
	return rows, nil
}

// QueryRow runs a read statement and returns its first row, or ErrNoRows.
func (db *DB) QueryRow(ctx context.Context, query string, params ...any) (Row, error) {
	rows, err := db.Query(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows[0], nil
}

// Execute runs a single mutating statement and returns the rows affected.
func (db *DB) Execute(ctx context.Context, query string, params ...any) (int64, error) {
	val, err := db.submit(ctx, "execute", func(ctx context.Context) (any, error) {
		res, err := db.execOn(ctx, nil, query, params)
		if err != nil {
			return int64(0), err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return int64(0), wrapErr("rows affected", err)
		}
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	n, _ := val.(int64)
	return n, nil
}

// InsertAndReturnID runs an INSERT and returns the engine-assigned row id.
func (db *DB) InsertAndReturnID(ctx context.Context, query string, params ...any) (int64, error) {
	val, err := db.submit(ctx, "insert", func(ctx context.Context) (any, error) {
		return db.insertOn(ctx, nil, query, params)
	})
	if err != nil {
		return 0, err
	}
	id, _ := val.(int64)
	return id, nil
}

// Stats returns queue and cache counters.
func (db *DB) Stats() Stats {
	if db == nil || db.stmts == nil {
		return Stats{}
	}
	// The worker can dequeue before submit records the send.
	queued := max(db.queued.Load(), 0)
	return Stats{
		Queued:           queued,
		Processed:        db.processed.Load(),
		CachedStatements: db.stmts.size.Load(),
		CacheHits:        db.stmts.hits.Load(),
		CacheMisses:      db.stmts.misses.Load(),
	}
}

// Close stops accepting work, lets the worker drain what is already queued,
// then releases cached statements and the connection. Later calls on db
// return ErrNotInitialized. Close is safe to call more than once.
func (db *DB) Close() error {
	if db == nil || db.requests == nil {
		return nil
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	close(db.requests)
	db.mu.Unlock()

	<-db.done
	if err := db.sqlDB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	db.logger.Info("store closed", "path", db.path)
	return nil
}

// The helpers below run on the worker goroutine only. tx is nil outside a
// transaction.

func (db *DB) prepare(ctx context.Context, tx *sql.Tx, query string) (stmt *sql.Stmt, release func(), err error) {
	stmt, ok := db.stmts.get(query)
	if !ok {
		stmt, err = db.conn.PrepareContext(ctx, query)
		if err != nil {
			return nil, nil, wrapErr("prepare", err)
		}
		if !db.stmts.put(query, stmt) {
			// Caching disabled: the caller owns the statement.
			owned := stmt
			if tx != nil {
				return tx.StmtContext(ctx, owned), func() { owned.Close() }, nil
			}
			return owned, func() { owned.Close() }, nil
		}
	}
	if tx != nil {
		// Bound to tx; closed when the transaction ends.
		return tx.StmtContext(ctx, stmt), func() {}, nil
	}
	return stmt, func() {}, nil
}

func (db *DB) queryOn(ctx context.Context, tx *sql.Tx, query string, params []any) ([]Row, error) {
	args, err := bindParams(params)
	if err != nil {
		return nil, err
	}
	stmt, release, err := db.prepare(ctx, tx, query)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, wrapErr("query", err)
	}
	defer rows.Close()

	cols, err := rows.ColumnTypes()
	if err != nil {
		return nil, wrapErr("column types", err)
	}

	var out []Row
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrapErr("scan", err)
		}

		row := make(Row, len(cols))
		for i, col := range cols {
			v, err := decodeColumn(raw[i], col.DatabaseTypeName())
			if err != nil {
				return nil, fmt.Errorf("decoding column %q: %w", col.Name(), err)
			}
			row[col.Name()] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate rows", err)
	}
	return out, nil
}

func (db *DB) execOn(ctx context.Context, tx *sql.Tx, query string, params []any) (sql.Result, error) {
	args, err := bindParams(params)
	if err != nil {
		return nil, err
	}
	stmt, release, err := db.prepare(ctx, tx, query)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		return nil, wrapErr("execute", err)
	}
	return res, nil
}

func (db *DB) insertOn(ctx context.Context, tx *sql.Tx, query string, params []any) (int64, error) {
	res, err := db.execOn(ctx, tx, query, params)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapErr("last insert id", err)
	}
	return id, nil
}
