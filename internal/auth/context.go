// ABOUTME: Carries the authenticated subject through a call chain
// ABOUTME: Provides WithSubject/FromContext and Authorize, which validates a token into a context

package auth

import (
	"context"
	"errors"
)

// ErrNoSession is returned by Authorize when the token does not resolve to a
// live session.
var ErrNoSession = errors.New("no valid session")

// IsAdmin reports whether the subject holds the admin role.
func (s *Subject) IsAdmin() bool {
	return s != nil && s.Role == RoleAdmin
}

// CanSupervise reports whether the subject may act on other technicians' work.
func (s *Subject) CanSupervise() bool {
	return s != nil && (s.Role == RoleSupervisor || s.Role == RoleAdmin)
}

// subjectContextKey is the key type for storing a Subject in context.Context.
type subjectContextKey struct{}

// WithSubject returns a new context with the subject attached.
func WithSubject(ctx context.Context, s *Subject) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, s)
}

// FromContext retrieves the subject from the context, returning nil if not present.
func FromContext(ctx context.Context) *Subject {
	s, _ := ctx.Value(subjectContextKey{}).(*Subject)
	return s
}

// MustFromContext retrieves the subject from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Subject {
	s := FromContext(ctx)
	if s == nil {
		panic("auth: Subject not found in context")
	}
	return s
}

// Authorize validates token and returns ctx with its subject attached.
func (m *Manager) Authorize(ctx context.Context, token string) (context.Context, error) {
	s, err := m.ValidateSession(ctx, token)
	if err != nil {
		return ctx, err
	}
	if s == nil {
		return ctx, ErrNoSession
	}
	return WithSubject(ctx, s), nil
}
