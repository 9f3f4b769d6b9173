// Package store is the persistence facade for the upkeep data file.
//
// # Architecture
//
// A DB owns exactly one SQLite connection. Every operation, reads included,
// is queued to a single worker goroutine and executed in submission order:
//
//   - Query / QueryRow: read statements returning []Row
//   - Execute: one mutating statement, returns rows affected
//   - InsertAndReturnID: INSERT returning the engine row id
//   - Transaction / InTx: a body of statements committed or rolled back as one
//
// Callers on any goroutine block only on their own operation. A caller whose
// context ends while waiting gets ctx.Err(); an operation that has not started
// by then is skipped.
//
// # Values
//
// Parameters and result columns use a closed set of kinds: null, text,
// integer, real, bool, timestamp and blob. Timestamps are stored as UTC text
// in TimeLayout. Booleans are stored as 0/1 and recovered from columns
// declared BOOLEAN. Any other parameter type fails before the engine is
// touched, with an error matching ErrUnsupportedParameterType.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA synchronous=NORMAL;
//	PRAGMA busy_timeout=<WithBusyTimeout>;
//
// The default build uses the pure-Go modernc.org/sqlite driver. Build with
// -tags sqlite_cgo to use github.com/mattn/go-sqlite3 instead.
//
// # Error Handling
//
//   - ErrNotInitialized: DB is nil or closed
//   - ErrStoreBusy: transient contention; see RetryBusy
//   - *StoreError: any other engine failure, carrying the operation name
//   - ErrNoRows: QueryRow matched nothing
//
// # Testing
//
// Use Open(ctx, ":memory:") for tests. The worker pins its connection, so the
// in-memory database lives until Close.
package store
