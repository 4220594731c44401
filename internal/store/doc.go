// Package store provides SQLite-backed durable storage for evaluation
// event logs.
//
// The store is an append-only log of:
//   - Evaluations: admitted requests, with the seq at which each was
//     abandoned
//   - Step updates: every report an evaluation received, with how the
//     tracker handled it
//   - Completions: the single terminal record of each evaluation
//
// # Ordering
//
// All ordering uses seq, the tracker's logical clock, never timestamps.
// Queries order by seq ASC so that replaying a log yields the same state,
// trace and completion digest as the original run.
//
// # Idempotency
//
// Every write uses ON CONFLICT DO NOTHING. Writing the same event twice is
// a no-op, so a crashed writer can safely resend.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// JSON columns hold canonical JSON produced by schema.MarshalCanonical.
package store
