// ABOUTME: Opaque session tokens: issue, validate with lazy expiry, and revoke
// ABOUTME: Only a SHA-256 of each token is stored; session rows are soft-deleted, never removed

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/2389/upkeep/internal/store"
)

// tokenBytes is the entropy of a session token.
const tokenBytes = 32

// Session describes a stored session. The raw token is never kept.
type Session struct {
	ID             string
	SubjectID      string
	DeviceInfo     string
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time
	Active         bool
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func sessionID(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateSession issues a new token for an active subject.
func (m *Manager) CreateSession(ctx context.Context, subjectID, deviceInfo string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	now := m.now().UTC()
	expires := deadline(now.Add(m.sessionLifetime))

	err = m.db.Transaction(ctx, func(tx *store.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id FROM credentials WHERE id = ? AND is_active = 1`, subjectID)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return ErrSubjectNotFound
		}
		_, err = tx.Execute(ctx, `
			INSERT INTO sessions (session_id, subject_id, device_info, created_at, last_activity_at, expires_at, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID(token), subjectID, deviceInfo, now, now, expires, true)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrSubjectNotFound) {
			return "", err
		}
		return "", fmt.Errorf("creating session: %w", err)
	}

	m.metrics.SessionCreated()
	m.logger.Info("session created", "subject_id", subjectID, "device", deviceInfo, "expires_at", expires)
	return token, nil
}

// ValidateSession returns the subject behind token, or nil when the token is
// unknown, revoked or expired. An expired session is marked inactive on the
// way out. A valid session has its last activity bumped.
func (m *Manager) ValidateSession(ctx context.Context, token string) (*Subject, error) {
	if token == "" {
		return nil, nil
	}
	id := sessionID(token)
	now := m.now().UTC()

	subject, err := store.InTx(ctx, m.db, func(tx *store.Tx) (*Subject, error) {
		row, err := tx.QueryRow(ctx, `
			SELECT s.subject_id, s.expires_at, s.is_active, c.identifier, c.role, c.is_active AS subject_active
			FROM sessions s JOIN credentials c ON c.id = s.subject_id
			WHERE s.session_id = ?`, id)
		if errors.Is(err, store.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		active, err := row.Get("is_active").AsBool()
		if err != nil {
			return nil, err
		}
		if !active {
			return nil, nil
		}

		expiresAt, err := row.Get("expires_at").AsTime()
		if err != nil {
			return nil, err
		}
		subjectActive, err := row.Get("subject_active").AsBool()
		if err != nil {
			return nil, err
		}
		if !now.Before(expiresAt) || !subjectActive {
			if _, err := tx.Execute(ctx, `UPDATE sessions SET is_active = 0 WHERE session_id = ?`, id); err != nil {
				return nil, err
			}
			return nil, nil
		}

		if _, err := tx.Execute(ctx, `UPDATE sessions SET last_activity_at = ? WHERE session_id = ?`, now, id); err != nil {
			return nil, err
		}

		s := &Subject{}
		if s.ID, err = row.Get("subject_id").AsText(); err != nil {
			return nil, err
		}
		if s.Identifier, err = row.Get("identifier").AsText(); err != nil {
			return nil, err
		}
		if s.Role, err = row.Get("role").AsText(); err != nil {
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("validating session: %w", err)
	}
	return subject, nil
}

// Logout ends every active session of subjectID and returns how many were ended.
func (m *Manager) Logout(ctx context.Context, subjectID string) (int64, error) {
	n, err := m.db.Execute(ctx,
		`UPDATE sessions SET is_active = 0 WHERE subject_id = ? AND is_active = 1`, subjectID)
	if err != nil {
		return 0, fmt.Errorf("ending sessions: %w", err)
	}
	m.logger.Info("subject logged out", "subject_id", subjectID, "sessions", n)
	return n, nil
}

// EndSession ends the single session behind token. It reports whether an
// active session was found.
func (m *Manager) EndSession(ctx context.Context, token string) (bool, error) {
	n, err := m.db.Execute(ctx,
		`UPDATE sessions SET is_active = 0 WHERE session_id = ? AND is_active = 1`, sessionID(token))
	if err != nil {
		return false, fmt.Errorf("ending session: %w", err)
	}
	return n == 1, nil
}

// SweepExpiredSessions marks every expired active session inactive.
func (m *Manager) SweepExpiredSessions(ctx context.Context) (int64, error) {
	n, err := m.db.Execute(ctx,
		`UPDATE sessions SET is_active = 0 WHERE is_active = 1 AND expires_at <= ?`, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweeping sessions: %w", err)
	}
	if n > 0 {
		m.logger.Info("expired sessions swept", "count", n)
	}
	return n, nil
}

// Sessions lists the sessions of subjectID, newest first.
func (m *Manager) Sessions(ctx context.Context, subjectID string) ([]Session, error) {
	rows, err := m.db.Query(ctx, `
		SELECT session_id, subject_id, device_info, created_at, last_activity_at, expires_at, is_active
		FROM sessions WHERE subject_id = ?
		ORDER BY created_at DESC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	out := make([]Session, 0, len(rows))
	for _, row := range rows {
		var s Session
		if s.ID, err = row.Get("session_id").AsText(); err != nil {
			return nil, err
		}
		if s.SubjectID, err = row.Get("subject_id").AsText(); err != nil {
			return nil, err
		}
		if s.DeviceInfo, err = row.Get("device_info").AsText(); err != nil {
			return nil, err
		}
		if s.CreatedAt, err = row.Get("created_at").AsTime(); err != nil {
			return nil, err
		}
		if s.LastActivityAt, err = row.Get("last_activity_at").AsTime(); err != nil {
			return nil, err
		}
		if s.ExpiresAt, err = row.Get("expires_at").AsTime(); err != nil {
			return nil, err
		}
		if s.Active, err = row.Get("is_active").AsBool(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
