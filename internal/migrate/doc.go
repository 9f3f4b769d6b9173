// Package migrate applies versioned schema migrations through the store facade.
//
// A Registry is the compile-time catalogue. The Runner records each applied
// migration in schema_migrations together with the SHA-256 of its forward
// script, and refuses to run when recorded checksums no longer match the
// registry.
//
// Each migration is applied in its own transaction: a failure leaves no
// record for the failing version and stops the run. Rollback is an operator
// action behind WithAllowRollback and never passes a migration whose Down
// script is empty.
package migrate
