// Package engine runs the evaluation tracker against its collaborators.
//
// The tracker itself performs no I/O. The engine adds:
//
//   - persistence: every admitted request, step report, abandonment and
//     completion is written to the store, keyed by the tracker's seq;
//   - recovery: Recover and Load rebuild evaluations from the store by
//     replaying their reports through the tracker's own update rules;
//   - intake: Enqueue and Run give reporters a fire-and-forget path,
//     processed in FIFO order by a single goroutine;
//   - metrics.
//
// # Logical Clock
//
// All events are stamped with a monotonic seq from the tracker clock,
// never wall-clock time. Seqs are unique across evaluations, so after
// recovery the clock resumes past the highest stored seq.
//
// # Replay
//
// Idempotency is structural: the same Update path handles live reports
// and replay, and every store write is ON CONFLICT DO NOTHING, so
// replaying a log yields the same state, trace and completion digest.
package engine
