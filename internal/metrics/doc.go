// Package metrics exposes Prometheus collectors for the persistence layer.
//
// A *Collector is optional everywhere it is accepted: every method is safe to
// call on a nil receiver, so components record unconditionally and callers
// that do not want metrics simply pass nil.
//
// Metric families:
//
//   - upkeep_store_operations_total{op,result}
//   - upkeep_store_operation_seconds{op}
//   - upkeep_migrations_applied_total
//   - upkeep_migrations_rolled_back_total
//   - upkeep_auth_attempts_total{result}
//   - upkeep_sessions_created_total
//   - upkeep_maintenance_runs_total{task,result}
package metrics
