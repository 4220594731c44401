// Package tracker implements the per-evaluation status state machine.
//
// An admitted evaluation starts in submitted. The first accepted step
// report moves it to in_progress; it becomes complete once every step the
// workflow declares has reported complete, or input_validation_error as
// soon as any step reports one. Both are terminal: later reports are
// recorded for audit and change nothing.
//
// CRITICAL PATTERNS:
//
// Monotonic steps:
// A step's status rank never decreases (submitted < in_progress <
// complete | input_validation_error). Out-of-order reports are rejected
// without touching stored state.
//
// Logical clock:
// Every report is stamped with a seq from Clock.Next() under the
// evaluation's lock. NEVER use wall-clock timestamps for ordering.
//
// Exactly-once completion:
// The completion record is assembled on the first terminal transition and
// never again. Abandoned evaluations skip aggregation and never complete.
//
// Replay:
// Restore re-applies a persisted report log through the same rules as
// Update, so a rebuilt evaluation matches the original byte for byte.
package tracker
