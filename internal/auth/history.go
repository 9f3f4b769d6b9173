// ABOUTME: Append-only login audit trail
// ABOUTME: Rows are inserted for every attempt and never updated or deleted

package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/upkeep/internal/store"
)

// LoginAttempt is one row of login_history.
type LoginAttempt struct {
	ID            int64
	SubjectID     string // empty when the identifier matched no credential
	Identifier    string
	Time          time.Time
	Success       bool
	FailureReason string
}

const insertLoginAttempt = `
	INSERT INTO login_history (subject_id, identifier, login_time, success, failure_reason)
	VALUES (?, ?, ?, ?, ?)
`

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// recordAttempt appends an attempt outside any transaction.
func (m *Manager) recordAttempt(ctx context.Context, subjectID, identifier string, at time.Time, success bool, reason string) error {
	_, err := m.db.InsertAndReturnID(ctx, insertLoginAttempt,
		nullable(subjectID), identifier, at, success, nullable(reason))
	if err != nil {
		return fmt.Errorf("recording login attempt: %w", err)
	}
	return nil
}

// insertAttempt appends an attempt within tx.
func insertAttempt(ctx context.Context, tx *store.Tx, subjectID, identifier string, at time.Time, success bool, reason string) error {
	_, err := tx.InsertAndReturnID(ctx, insertLoginAttempt,
		nullable(subjectID), identifier, at, success, nullable(reason))
	if err != nil {
		return fmt.Errorf("recording login attempt: %w", err)
	}
	return nil
}

// LoginHistory returns the most recent attempts for identifier, newest
// first. A limit of zero or less returns every attempt.
func (m *Manager) LoginHistory(ctx context.Context, identifier string, limit int) ([]LoginAttempt, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := m.db.Query(ctx, `
		SELECT id, subject_id, identifier, login_time, success, failure_reason
		FROM login_history
		WHERE identifier = ?
		ORDER BY login_time DESC, id DESC
		LIMIT ?`,
		NormalizeIdentifier(identifier), limit)
	if err != nil {
		return nil, fmt.Errorf("reading login history: %w", err)
	}

	attempts := make([]LoginAttempt, 0, len(rows))
	for _, row := range rows {
		a, err := scanAttempt(row)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

func scanAttempt(row store.Row) (LoginAttempt, error) {
	var a LoginAttempt
	var err error
	if a.ID, err = row.Get("id").AsInt64(); err != nil {
		return a, fmt.Errorf("scanning id: %w", err)
	}
	if v := row.Get("subject_id"); !v.IsNull() {
		if a.SubjectID, err = v.AsText(); err != nil {
			return a, fmt.Errorf("scanning subject_id: %w", err)
		}
	}
	if a.Identifier, err = row.Get("identifier").AsText(); err != nil {
		return a, fmt.Errorf("scanning identifier: %w", err)
	}
	if a.Time, err = row.Get("login_time").AsTime(); err != nil {
		return a, fmt.Errorf("scanning login_time: %w", err)
	}
	if a.Success, err = row.Get("success").AsBool(); err != nil {
		return a, fmt.Errorf("scanning success: %w", err)
	}
	if v := row.Get("failure_reason"); !v.IsNull() {
		if a.FailureReason, err = v.AsText(); err != nil {
			return a, fmt.Errorf("scanning failure_reason: %w", err)
		}
	}
	return a, nil
}
