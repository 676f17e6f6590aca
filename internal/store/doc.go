// Package store provides the SQLite-backed cohort catalog.
//
// The catalog holds:
//   - Cohorts: definitions, classification, and membership versions
//   - Actions: step definitions resolved by behavioral conditions
//   - Materialized columns: the physical-column catalog the column registry
//     refreshes from
//   - Memberships: versioned dynamic membership and static membership
//
// # Membership Versions
//
// A recalculation never overwrites visible membership:
//   - BeginRecalculation sets pending_version = version + 1 and a fresh
//     calculation id (UUID v7)
//   - WriteMembership inserts rows tagged with the pending version using
//     ON CONFLICT DO NOTHING, so retried writes are idempotent
//   - CompleteRecalculation flips version to pending_version in one
//     transaction and drops older rows
//   - FailRecalculation increments errors_calculating and discards the
//     pending rows; the previous version stays visible
//
// A recalculation whose calculation id has been superseded cannot write or
// complete (ErrStaleRecalculation).
//
// # Deterministic Query Results
//
// All list queries order by id (or person_id) so results are identical
// across runs.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
