// ABOUTME: Credential verification with progressive lockout on top of the store facade
// ABOUTME: Every attempt is appended to login_history; callers only ever see a generic failure

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/upkeep/internal/metrics"
	"github.com/2389/upkeep/internal/store"
)

// Defaults for the lockout and session policy.
const (
	DefaultLockThreshold   = 5
	DefaultLockDuration    = 30 * time.Minute
	DefaultSessionLifetime = 24 * time.Hour
)

// Roles a credential can hold.
const (
	RoleTechnician = "technician"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
)

// Failure reasons written to login_history.
const (
	ReasonAccountLocked = "account_locked"
	ReasonNotFound      = "not_found"
	ReasonInactive      = "inactive"
	ReasonInvalidSecret = "invalid_secret"
)

// Attempt outcomes used as the metrics result label.
const (
	resultSuccess = "success"
	resultInvalid = "invalid"
	resultLocked  = "locked"
)

var (
	// ErrInvalidCredentials is the only failure reported for an unknown
	// identifier, an inactive credential, or a wrong secret.
	ErrInvalidCredentials = errors.New("invalid identifier or secret")
	// ErrAccountLocked is returned while a credential is locked out.
	ErrAccountLocked = errors.New("account is temporarily locked")
	// ErrIdentifierExists is returned when provisioning a duplicate identifier.
	ErrIdentifierExists = errors.New("identifier already provisioned")
	// ErrSubjectNotFound is returned by operator actions on unknown subjects.
	ErrSubjectNotFound = errors.New("subject not found")
	// ErrInvalidRole is returned when provisioning with an unknown role.
	ErrInvalidRole = errors.New("invalid role")
	// ErrEmptyIdentifier and ErrEmptySecret reject blank provisioning input.
	ErrEmptyIdentifier = errors.New("identifier must not be empty")
	ErrEmptySecret     = errors.New("secret must not be empty")
)

// dummyHash keeps the cost of an unknown-identifier attempt equal to a real one.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// Subject is an authenticated identity.
type Subject struct {
	ID         string
	Identifier string
	Role       string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source. Tests use it to move past lock and
// session expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics records attempts and session issuance on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLockPolicy sets how many consecutive failures lock a credential and for how long.
func WithLockPolicy(threshold int, duration time.Duration) Option {
	return func(m *Manager) {
		if threshold > 0 {
			m.lockThreshold = threshold
		}
		if duration > 0 {
			m.lockDuration = duration
		}
	}
}

// WithSessionLifetime sets how long a new session stays valid.
func WithSessionLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sessionLifetime = d
		}
	}
}

// WithBcryptCost sets the hashing cost for provisioned secrets.
func WithBcryptCost(cost int) Option {
	return func(m *Manager) { m.bcryptCost = cost }
}

// Manager owns the credentials, sessions and login_history tables.
type Manager struct {
	db              *store.DB
	logger          *slog.Logger
	metrics         *metrics.Collector
	now             func() time.Time
	lockThreshold   int
	lockDuration    time.Duration
	sessionLifetime time.Duration
	bcryptCost      int
}

// NewManager creates a Manager over a migrated store.
func NewManager(db *store.DB, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		logger:          slog.Default(),
		now:             time.Now,
		lockThreshold:   DefaultLockThreshold,
		lockDuration:    DefaultLockDuration,
		sessionLifetime: DefaultSessionLifetime,
		bcryptCost:      bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "auth")
	return m
}

// NormalizeIdentifier trims and lowercases an identifier.
func NormalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}

func validRole(role string) bool {
	switch role {
	case RoleTechnician, RoleSupervisor, RoleAdmin:
		return true
	}
	return false
}

type credential struct {
	id          string
	identifier  string
	secret      []byte
	role        string
	active      bool
	attempts    int64
	lockedUntil time.Time // zero when not locked
}

func (c *credential) subject() *Subject {
	return &Subject{ID: c.id, Identifier: c.identifier, Role: c.role}
}

// deadline rounds t up to the whole second timestamps are stored at, so a
// stored expiry is never earlier than the computed one.
func deadline(t time.Time) time.Time {
	d := t.Truncate(time.Second)
	if d.Before(t) {
		d = d.Add(time.Second)
	}
	return d
}

func (c *credential) lockedAt(now time.Time) bool {
	return !c.lockedUntil.IsZero() && !now.After(c.lockedUntil)
}

const selectCredential = `
	SELECT id, identifier, secret, role, is_active, failed_attempts, locked_until
	FROM credentials WHERE identifier = ?
`

func scanCredential(row store.Row) (*credential, error) {
	c := &credential{}
	var err error
	if c.id, err = row.Get("id").AsText(); err != nil {
		return nil, fmt.Errorf("scanning id: %w", err)
	}
	if c.identifier, err = row.Get("identifier").AsText(); err != nil {
		return nil, fmt.Errorf("scanning identifier: %w", err)
	}
	secret, err := row.Get("secret").AsText()
	if err != nil {
		return nil, fmt.Errorf("scanning secret: %w", err)
	}
	c.secret = []byte(secret)
	if c.role, err = row.Get("role").AsText(); err != nil {
		return nil, fmt.Errorf("scanning role: %w", err)
	}
	if c.active, err = row.Get("is_active").AsBool(); err != nil {
		return nil, fmt.Errorf("scanning is_active: %w", err)
	}
	if c.attempts, err = row.Get("failed_attempts").AsInt64(); err != nil {
		return nil, fmt.Errorf("scanning failed_attempts: %w", err)
	}
	if v := row.Get("locked_until"); !v.IsNull() {
		if c.lockedUntil, err = v.AsTime(); err != nil {
			return nil, fmt.Errorf("scanning locked_until: %w", err)
		}
	}
	return c, nil
}

func (m *Manager) lookup(ctx context.Context, identifier string) (*credential, error) {
	row, err := m.db.QueryRow(ctx, selectCredential, identifier)
	if errors.Is(err, store.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up credential: %w", err)
	}
	return scanCredential(row)
}

// outcome of the attempt transaction; errors returned from the body would
// roll back the history row, so refusals travel as values.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeInvalid
	outcomeLocked
)

// Authenticate verifies identifier and secret. It returns ErrAccountLocked
// while the credential is locked and ErrInvalidCredentials for every other
// refusal. The attempt is always recorded in login_history.
func (m *Manager) Authenticate(ctx context.Context, identifier, secret string) (*Subject, error) {
	ident := NormalizeIdentifier(identifier)
	now := m.now().UTC()

	cred, err := m.lookup(ctx, ident)
	if err != nil {
		return nil, err
	}

	if cred != nil && cred.lockedAt(now) {
		if err := m.recordAttempt(ctx, cred.id, ident, now, false, ReasonAccountLocked); err != nil {
			return nil, err
		}
		m.metrics.AuthAttempt(resultLocked)
		m.logger.Warn("login refused, account locked", "identifier", ident, "locked_until", cred.lockedUntil)
		return nil, ErrAccountLocked
	}

	if cred == nil || !cred.active {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		reason, subjectID := ReasonNotFound, ""
		if cred != nil {
			reason, subjectID = ReasonInactive, cred.id
		}
		if err := m.recordAttempt(ctx, subjectID, ident, now, false, reason); err != nil {
			return nil, err
		}
		m.metrics.AuthAttempt(resultInvalid)
		m.logger.Warn("login failed", "identifier", ident, "reason", reason)
		return nil, ErrInvalidCredentials
	}

	match := bcrypt.CompareHashAndPassword(cred.secret, []byte(secret)) == nil

	var result outcome
	if match {
		result, err = store.InTx(ctx, m.db, func(tx *store.Tx) (outcome, error) {
			return m.applySuccess(ctx, tx, cred, now)
		})
	} else {
		result, err = store.InTx(ctx, m.db, func(tx *store.Tx) (outcome, error) {
			return m.applyFailure(ctx, tx, cred, now)
		})
	}
	if err != nil {
		return nil, fmt.Errorf("recording login attempt: %w", err)
	}

	switch result {
	case outcomeLocked:
		m.metrics.AuthAttempt(resultLocked)
		m.logger.Warn("login refused, account locked", "identifier", ident)
		return nil, ErrAccountLocked
	case outcomeInvalid:
		m.metrics.AuthAttempt(resultInvalid)
		return nil, ErrInvalidCredentials
	default:
		m.metrics.AuthAttempt(resultSuccess)
		m.logger.Info("login succeeded", "identifier", ident, "subject_id", cred.id)
		return cred.subject(), nil
	}
}

// reload re-reads lock state inside the attempt transaction so concurrent
// attempts queued behind one another see each other's effects.
func reload(ctx context.Context, tx *store.Tx, cred *credential) (*credential, error) {
	row, err := tx.QueryRow(ctx, selectCredential, cred.identifier)
	if err != nil {
		return nil, fmt.Errorf("reloading credential: %w", err)
	}
	return scanCredential(row)
}

func (m *Manager) applySuccess(ctx context.Context, tx *store.Tx, cred *credential, now time.Time) (outcome, error) {
	cur, err := reload(ctx, tx, cred)
	if err != nil {
		return 0, err
	}
	if cur.lockedAt(now) {
		return outcomeLocked, insertAttempt(ctx, tx, cur.id, cur.identifier, now, false, ReasonAccountLocked)
	}

	_, err = tx.Execute(ctx,
		`UPDATE credentials SET failed_attempts = 0, locked_until = NULL, updated_at = ? WHERE id = ?`,
		now, cur.id)
	if err != nil {
		return 0, fmt.Errorf("resetting attempts: %w", err)
	}
	return outcomeSuccess, insertAttempt(ctx, tx, cur.id, cur.identifier, now, true, "")
}

func (m *Manager) applyFailure(ctx context.Context, tx *store.Tx, cred *credential, now time.Time) (outcome, error) {
	cur, err := reload(ctx, tx, cred)
	if err != nil {
		return 0, err
	}
	if cur.lockedAt(now) {
		return outcomeLocked, insertAttempt(ctx, tx, cur.id, cur.identifier, now, false, ReasonAccountLocked)
	}

	attempts := cur.attempts
	if !cur.lockedUntil.IsZero() {
		// Lock expired: the count starts over.
		attempts = 0
	}
	attempts++

	var lockedUntil *time.Time
	if attempts >= int64(m.lockThreshold) {
		until := deadline(now.Add(m.lockDuration))
		lockedUntil = &until
		m.logger.Warn("account locked", "identifier", cur.identifier, "attempts", attempts, "locked_until", until)
	}

	_, err = tx.Execute(ctx,
		`UPDATE credentials SET failed_attempts = ?, locked_until = ?, updated_at = ? WHERE id = ?`,
		attempts, lockedUntil, now, cur.id)
	if err != nil {
		return 0, fmt.Errorf("counting failed attempt: %w", err)
	}
	m.logger.Warn("login failed", "identifier", cur.identifier, "reason", ReasonInvalidSecret, "attempts", attempts)
	return outcomeInvalid, insertAttempt(ctx, tx, cur.id, cur.identifier, now, false, ReasonInvalidSecret)
}

// ProvisionCredential creates a credential. The identifier is normalised and
// the secret stored as a bcrypt hash. An empty role defaults to technician.
func (m *Manager) ProvisionCredential(ctx context.Context, identifier, secret, role string) (*Subject, error) {
	ident := NormalizeIdentifier(identifier)
	if ident == "" {
		return nil, ErrEmptyIdentifier
	}
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if role == "" {
		role = RoleTechnician
	}
	if !validRole(role) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), m.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing secret: %w", err)
	}

	now := m.now().UTC()
	subject := &Subject{ID: uuid.New().String(), Identifier: ident, Role: role}
	_, err = m.db.Execute(ctx, `
		INSERT INTO credentials (id, identifier, secret, role, is_active, failed_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		subject.ID, ident, string(hash), role, true, now, now)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, ErrIdentifierExists
		}
		return nil, fmt.Errorf("inserting credential: %w", err)
	}

	m.logger.Info("credential provisioned", "identifier", ident, "subject_id", subject.ID, "role", role)
	return subject, nil
}

// ResetLockout clears the failure count and any lock on identifier.
func (m *Manager) ResetLockout(ctx context.Context, identifier string) error {
	ident := NormalizeIdentifier(identifier)
	n, err := m.db.Execute(ctx,
		`UPDATE credentials SET failed_attempts = 0, locked_until = NULL, updated_at = ? WHERE identifier = ?`,
		m.now().UTC(), ident)
	if err != nil {
		return fmt.Errorf("resetting lockout: %w", err)
	}
	if n == 0 {
		return ErrSubjectNotFound
	}
	m.logger.Info("lockout reset", "identifier", ident)
	return nil
}

// SetActive enables or disables a credential. Disabling also ends every
// session of that subject.
func (m *Manager) SetActive(ctx context.Context, identifier string, active bool) error {
	ident := NormalizeIdentifier(identifier)
	now := m.now().UTC()

	return m.db.Transaction(ctx, func(tx *store.Tx) error {
		row, err := tx.QueryRow(ctx, `SELECT id FROM credentials WHERE identifier = ?`, ident)
		if errors.Is(err, store.ErrNoRows) {
			return ErrSubjectNotFound
		}
		if err != nil {
			return err
		}
		id, err := row.Get("id").AsText()
		if err != nil {
			return err
		}

		if _, err := tx.Execute(ctx,
			`UPDATE credentials SET is_active = ?, updated_at = ? WHERE id = ?`, active, now, id); err != nil {
			return fmt.Errorf("updating credential: %w", err)
		}
		if !active {
			if _, err := tx.Execute(ctx,
				`UPDATE sessions SET is_active = 0 WHERE subject_id = ? AND is_active = 1`, id); err != nil {
				return fmt.Errorf("ending sessions: %w", err)
			}
		}
		return nil
	})
}
