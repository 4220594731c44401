package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/tracker"
)

// ErrSeqConflict is returned when a seq is already taken by a different
// event, typically because another process wrote to the store after this
// one loaded it. The caller must reload and apply the event again.
var ErrSeqConflict = errors.New("seq already taken")

// UpdateRecord is one persisted step report and how the tracker handled it.
type UpdateRecord struct {
	EvaluationID string
	Seq          int64
	Report       tracker.Report

	// StepKey is the canonical step id; empty unless the report was applied.
	StepKey string
	Result  tracker.Result
	Error   string

	// Overall is the evaluation status after the report.
	Overall schema.Status
}

// WriteEvaluation records an admitted request.
// Idempotent: writing the same id twice is a no-op.
func (s *Store) WriteEvaluation(ctx context.Context, id string, req *schema.PolicyRequest) error {
	request, err := marshalJSON("request", schema.RequestDocument(req))
	if err != nil {
		return err
	}
	order, err := marshalJSON("job order", req.Workflow.OrderedJobIDs())
	if err != nil {
		return err
	}
	digest, err := schema.RequestDigest(req)
	if err != nil {
		return fmt.Errorf("write evaluation %s: %w", id, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, request, job_order, request_digest)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, request, order, digest)
	if err != nil {
		return fmt.Errorf("insert evaluation %s: %w", id, err)
	}
	return nil
}

// WriteUpdate records one step report.
// Writing the same report at the same seq twice is a no-op. A seq held by
// any other report or by an abandonment returns ErrSeqConflict.
//
// Outputs of a rejected report may not be representable; they are stored
// as an empty object since a rejected report is never re-applied.
func (s *Store) WriteUpdate(ctx context.Context, u UpdateRecord) error {
	metadata := u.Report.Update.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := marshalJSON("metadata", metadata)
	if err != nil {
		return err
	}
	outputs, err := marshalJSON("outputs", u.Report.Update.Outputs)
	if err != nil {
		if u.Result != tracker.ResultRejected {
			return err
		}
		outputs = "{}"
	}

	// One statement, so the seq check and the insert cannot interleave
	// with another writer.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO step_updates
			(seq, evaluation_id, job_id, step_id, step_key, status, metadata, outputs, result, error, overall)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM evaluations WHERE abandoned_seq = ?)
		ON CONFLICT(seq) DO NOTHING
	`,
		u.Seq,
		u.EvaluationID,
		u.Report.JobID,
		u.Report.StepID,
		u.StepKey,
		u.Report.Update.Status.String(),
		meta,
		outputs,
		string(u.Result),
		u.Error,
		u.Overall.String(),
		u.Seq,
	)
	if err != nil {
		return fmt.Errorf("insert step update seq=%d: %w", u.Seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert step update seq=%d: %w", u.Seq, err)
	}
	if n == 1 {
		return nil
	}

	var evaluationID, jobID, stepID, status, result string
	err = s.db.QueryRowContext(ctx, `
		SELECT evaluation_id, job_id, step_id, status, result
		FROM step_updates WHERE seq = ?
	`, u.Seq).Scan(&evaluationID, &jobID, &stepID, &status, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("step update seq=%d: %w", u.Seq, ErrSeqConflict)
	}
	if err != nil {
		return fmt.Errorf("check step update seq=%d: %w", u.Seq, err)
	}
	if evaluationID != u.EvaluationID || jobID != u.Report.JobID || stepID != u.Report.StepID ||
		status != u.Report.Update.Status.String() || result != string(u.Result) {
		return fmt.Errorf("step update seq=%d for evaluation %s: %w", u.Seq, u.EvaluationID, ErrSeqConflict)
	}
	return nil
}

// WriteAbandoned records the seq at which an evaluation was abandoned.
// Repeating the same abandonment is a no-op. If the evaluation was already
// abandoned at another seq, or seq is held by a report, ErrSeqConflict is
// returned.
func (s *Store) WriteAbandoned(ctx context.Context, id string, seq int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evaluations SET abandoned_seq = ?
		WHERE id = ? AND abandoned_seq IS NULL
		  AND NOT EXISTS (SELECT 1 FROM step_updates WHERE seq = ?)
		  AND NOT EXISTS (SELECT 1 FROM evaluations WHERE abandoned_seq = ?)
	`, seq, id, seq, seq)
	if err != nil {
		return fmt.Errorf("abandon evaluation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("abandon evaluation %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	var current sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT abandoned_seq FROM evaluations WHERE id = ?`, id).Scan(&current); err != nil {
		return fmt.Errorf("abandon evaluation %s: %w", id, err)
	}
	if current.Valid && current.Int64 == seq {
		return nil
	}
	return fmt.Errorf("abandon evaluation %s at seq %d: %w", id, seq, ErrSeqConflict)
}

// WriteCompletion records the terminal record of an evaluation at seq.
// Idempotent: an evaluation has at most one completion.
func (s *Store) WriteCompletion(ctx context.Context, c schema.PolicyCompletion, seq int64) error {
	outputs, err := marshalJSON("completion outputs", c.Outputs)
	if err != nil {
		return err
	}
	annotations, err := marshalJSON("annotations", c.Annotations)
	if err != nil {
		return err
	}
	digest := c.Digest
	if digest == "" {
		if digest, err = schema.CompletionDigest(c); err != nil {
			return fmt.Errorf("write completion %s: %w", c.ID, err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO completions (evaluation_id, exit_status, outputs, annotations, digest, seq)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(evaluation_id) DO NOTHING
	`, c.ID, string(c.ExitStatus), outputs, annotations, digest, seq)
	if err != nil {
		return fmt.Errorf("insert completion %s: %w", c.ID, err)
	}
	return nil
}
