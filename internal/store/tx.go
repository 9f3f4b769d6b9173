// ABOUTME: Atomic multi-statement transactions executed as one worker operation
// ABOUTME: Commit on success, rollback on any error or panic from the body

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Tx is the handle given to a transaction body. It is only valid inside the
// body; statements run directly on the worker, never through the queue.
type Tx struct {
	db *DB
	tx *sql.Tx
}

// Query runs a read statement inside the transaction.
func (t *Tx) Query(ctx context.Context, query string, params ...any) ([]Row, error) {
	return t.db.queryOn(ctx, t.tx, query, params)
}

// QueryRow returns the first row, or ErrNoRows.
func (t *Tx) QueryRow(ctx context.Context, query string, params ...any) (Row, error) {
	rows, err := t.db.queryOn(ctx, t.tx, query, params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows[0], nil
}

// Execute runs a mutating statement and returns the rows affected.
func (t *Tx) Execute(ctx context.Context, query string, params ...any) (int64, error) {
	res, err := t.db.execOn(ctx, t.tx, query, params)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("rows affected", err)
	}
	return n, nil
}

// InsertAndReturnID runs an INSERT and returns the new row id.
func (t *Tx) InsertAndReturnID(ctx context.Context, query string, params ...any) (int64, error) {
	return t.db.insertOn(ctx, t.tx, query, params)
}

// ExecScript runs a multi-statement script without preparing or caching it.
// Used for migration bodies.
func (t *Tx) ExecScript(ctx context.Context, script string) error {
	if _, err := t.tx.ExecContext(ctx, script); err != nil {
		return wrapErr("exec script", err)
	}
	return nil
}

// Transaction runs fn atomically. Either every statement fn issues is
// committed, or none are. An error returned by fn is passed back unchanged
// after rollback.
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	_, err := db.submit(ctx, "transaction", func(ctx context.Context) (any, error) {
		return nil, db.runTx(ctx, fn)
	})
	return err
}

// InTx is Transaction for bodies that produce a value.
func InTx[T any](ctx context.Context, db *DB, fn func(tx *Tx) (T, error)) (T, error) {
	var out T
	err := db.Transaction(ctx, func(tx *Tx) error {
		v, err := fn(tx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (db *DB) runTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			err = fmt.Errorf("transaction body panicked: %v", p)
		}
	}()

	if err := fn(&Tx{db: db, tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return wrapErr("commit", err)
	}
	return nil
}
