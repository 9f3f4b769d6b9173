// ABOUTME: The upkeep migration catalogue: credentials, sessions and login history
// ABOUTME: Versions are append-only; never edit a shipped forward script

package schema

import "github.com/2389/upkeep/internal/migrate"

// Migrations returns the application's migrations in version order.
func Migrations() []migrate.Migration {
	return []migrate.Migration{
		{
			Version: 1,
			Name:    "create_credentials",
			Up: `
				CREATE TABLE credentials (
					id              TEXT PRIMARY KEY,
					identifier      TEXT NOT NULL,
					secret          TEXT NOT NULL,
					role            TEXT NOT NULL DEFAULT 'technician',
					is_active       BOOLEAN NOT NULL DEFAULT 1,
					failed_attempts INTEGER NOT NULL DEFAULT 0,
					locked_until    TIMESTAMP,
					created_at      TIMESTAMP NOT NULL,
					updated_at      TIMESTAMP NOT NULL
				);
				CREATE UNIQUE INDEX idx_credentials_identifier ON credentials(identifier COLLATE NOCASE);
			`,
			Down: `
				DROP INDEX idx_credentials_identifier;
				DROP TABLE credentials;
			`,
		},
		{
			Version: 2,
			Name:    "create_sessions",
			Up: `
				CREATE TABLE sessions (
					session_id       TEXT PRIMARY KEY,
					subject_id       TEXT NOT NULL REFERENCES credentials(id),
					device_info      TEXT NOT NULL DEFAULT '',
					created_at       TIMESTAMP NOT NULL,
					last_activity_at TIMESTAMP NOT NULL,
					expires_at       TIMESTAMP NOT NULL,
					is_active        BOOLEAN NOT NULL DEFAULT 1
				);
				CREATE INDEX idx_sessions_subject ON sessions(subject_id, is_active);
				CREATE INDEX idx_sessions_expiry ON sessions(is_active, expires_at);
			`,
			Down: `
				DROP INDEX idx_sessions_expiry;
				DROP INDEX idx_sessions_subject;
				DROP TABLE sessions;
			`,
		},
		{
			Version: 3,
			Name:    "create_login_history",
			Up: `
				CREATE TABLE login_history (
					id             INTEGER PRIMARY KEY AUTOINCREMENT,
					subject_id     TEXT,
					identifier     TEXT NOT NULL,
					login_time     TIMESTAMP NOT NULL,
					success        BOOLEAN NOT NULL,
					failure_reason TEXT
				);
				CREATE INDEX idx_login_history_identifier ON login_history(identifier, login_time);
			`,
			Down: `
				DROP INDEX idx_login_history_identifier;
				DROP TABLE login_history;
			`,
		},
		{
			// Identifiers written before normalisation keep their original
			// case; the lowercase form cannot be undone.
			Version: 4,
			Name:    "normalize_identifiers",
			Up: `
				UPDATE credentials SET identifier = lower(trim(identifier)) WHERE identifier != lower(trim(identifier));
				UPDATE login_history SET identifier = lower(trim(identifier)) WHERE identifier != lower(trim(identifier));
			`,
		},
	}
}

// Registry returns the validated catalogue.
func Registry() *migrate.Registry {
	return migrate.MustRegistry(Migrations()...)
}
