// Package schema is the single source of truth for policy evaluation
// entities: requests, workflows, statuses, step updates, completion records
// and validation errors.
//
// Every other internal package imports schema; schema imports nothing
// internal.
//
// Key constraints:
//   - Status is a closed set. The unknown sentinel is the zero value and has
//     no exported name, so it can only appear through a zero Status.
//   - All JSON field names follow the wire shapes of the request and status
//     documents (snake_case, with GitHub's "runs-on", "if" and "with").
//   - Canonical JSON (RFC 8785) is the only serialization used for digests.
package schema
