// Package auth verifies credentials and manages sessions for upkeep.
//
// # Credentials
//
// Credentials are provisioned with ProvisionCredential. Identifiers are
// trimmed and lowercased; secrets are stored as bcrypt hashes.
//
// Authenticate applies progressive lockout: after the lock threshold (5 by
// default) of consecutive failures the credential is locked for the lock
// duration (30 minutes by default). While locked, even the correct secret is
// refused with ErrAccountLocked. The lock lifts on its own once it expires,
// or immediately through ResetLockout.
//
// Unknown identifiers, inactive credentials and wrong secrets all produce
// ErrInvalidCredentials. The specific reason only appears in login_history.
//
// # Sessions
//
// CreateSession issues an opaque random token. Only its SHA-256 is stored, as
// session_id. ValidateSession returns nil for unknown, revoked and expired
// tokens, marking expired sessions inactive as it finds them. Logout ends
// every session of a subject; EndSession ends one.
//
// # Audit
//
// Every attempt, successful or not, appends a row to login_history. Rows are
// never changed. Read them with LoginHistory.
//
// # Context
//
// Authorize resolves a token into a context carrying the Subject:
//
//	ctx, err := mgr.Authorize(ctx, token)
//	subject := auth.FromContext(ctx)
package auth
