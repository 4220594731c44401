package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/tracker"
)

// EvaluationRecord is a persisted admitted request.
type EvaluationRecord struct {
	ID            string
	Request       *schema.PolicyRequest
	RequestDigest string

	// AbandonedSeq is 0 unless the evaluation was abandoned.
	AbandonedSeq int64
}

// CompletionRecord is a persisted completion with the seq that produced it.
type CompletionRecord struct {
	Completion schema.PolicyCompletion
	Seq        int64
}

// ReadEvaluation retrieves one evaluation by id.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadEvaluation(ctx context.Context, id string) (EvaluationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request, job_order, request_digest, COALESCE(abandoned_seq, 0)
		FROM evaluations
		WHERE id = ?
	`, id)
	return scanEvaluation(row)
}

// ReadEvaluationIDs returns every stored evaluation id in lexical order.
// Returns an empty slice when the store is empty.
func (s *Store) ReadEvaluationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM evaluations
		ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan evaluation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evaluations: %w", err)
	}
	return ids, nil
}

// ReadUpdates returns every report stored for an evaluation.
// Results are ordered by seq ASC. Returns an empty slice if none exist.
func (s *Store) ReadUpdates(ctx context.Context, evaluationID string) ([]UpdateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, evaluation_id, job_id, step_id, step_key, status, metadata, outputs, result, error, overall
		FROM step_updates
		WHERE evaluation_id = ?
		ORDER BY seq ASC
	`, evaluationID)
	if err != nil {
		return nil, fmt.Errorf("query step updates: %w", err)
	}
	defer rows.Close()

	updates := []UpdateRecord{}
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step updates: %w", err)
	}
	return updates, nil
}

// ReadCompletion retrieves the completion of an evaluation.
// Returns sql.ErrNoRows if the evaluation has not completed.
func (s *Store) ReadCompletion(ctx context.Context, evaluationID string) (CompletionRecord, error) {
	var (
		rec                  CompletionRecord
		exit                 string
		outputs, annotations string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT evaluation_id, exit_status, outputs, annotations, digest, seq
		FROM completions
		WHERE evaluation_id = ?
	`, evaluationID).Scan(&rec.Completion.ID, &exit, &outputs, &annotations, &rec.Completion.Digest, &rec.Seq)
	if err != nil {
		return CompletionRecord{}, err
	}
	rec.Completion.ExitStatus = schema.ExitStatus(exit)
	if rec.Completion.Outputs, err = unmarshalObject("completion outputs", outputs); err != nil {
		return CompletionRecord{}, err
	}
	if rec.Completion.Annotations, err = unmarshalObject("annotations", annotations); err != nil {
		return CompletionRecord{}, err
	}
	return rec, nil
}

// MaxSeq returns the highest seq recorded anywhere in the store, or 0.
// The tracker clock resumes after it.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(
			(SELECT COALESCE(MAX(seq), 0) FROM step_updates),
			(SELECT COALESCE(MAX(abandoned_seq), 0) FROM evaluations)
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return seq, nil
}

// ReadRecord assembles everything the tracker needs to rebuild one
// evaluation.
func (s *Store) ReadRecord(ctx context.Context, id string) (tracker.Record, error) {
	ev, err := s.ReadEvaluation(ctx, id)
	if err != nil {
		return tracker.Record{}, err
	}
	updates, err := s.ReadUpdates(ctx, id)
	if err != nil {
		return tracker.Record{}, err
	}

	rec := tracker.Record{
		ID:           ev.ID,
		Request:      ev.Request,
		AbandonedSeq: ev.AbandonedSeq,
		Reports:      make([]tracker.Recorded, 0, len(updates)),
	}
	for _, u := range updates {
		rec.Reports = append(rec.Reports, tracker.Recorded{
			Seq:    u.Seq,
			Report: u.Report,
			Result: u.Result,
			Error:  u.Error,
		})
	}
	return rec, nil
}

// ReadRecords returns the record of every stored evaluation, in id order.
func (s *Store) ReadRecords(ctx context.Context) ([]tracker.Record, error) {
	ids, err := s.ReadEvaluationIDs(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]tracker.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.ReadRecord(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read record %s: %w", id, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row scanner) (EvaluationRecord, error) {
	var (
		rec            EvaluationRecord
		request, order string
	)
	if err := row.Scan(&rec.ID, &request, &order, &rec.RequestDigest, &rec.AbandonedSeq); err != nil {
		return EvaluationRecord{}, err
	}

	doc, err := unmarshalObject("request", request)
	if err != nil {
		return EvaluationRecord{}, fmt.Errorf("decode request %s: %w", rec.ID, err)
	}
	req, err := schema.ParseRequest(doc)
	if err != nil {
		return EvaluationRecord{}, fmt.Errorf("decode request %s: %w", rec.ID, err)
	}
	jobOrder, err := unmarshalStringList("job order", order)
	if err != nil {
		return EvaluationRecord{}, err
	}
	req.Workflow.JobOrder = jobOrder
	rec.Request = req
	return rec, nil
}

func scanUpdate(rows *sql.Rows) (UpdateRecord, error) {
	var (
		u                                UpdateRecord
		status, meta, outputs, result, o string
	)
	err := rows.Scan(
		&u.Seq,
		&u.EvaluationID,
		&u.Report.JobID,
		&u.Report.StepID,
		&u.StepKey,
		&status,
		&meta,
		&outputs,
		&result,
		&u.Error,
		&o,
	)
	if err != nil {
		return UpdateRecord{}, fmt.Errorf("scan step update: %w", err)
	}

	u.Report.Update.Status = parseStoredStatus(status)
	u.Result = tracker.Result(result)
	u.Overall = parseStoredStatus(o)
	if u.Report.Update.Metadata, err = unmarshalStrings("metadata", meta); err != nil {
		return UpdateRecord{}, err
	}
	if u.Report.Update.Outputs, err = unmarshalObject("outputs", outputs); err != nil {
		return UpdateRecord{}, err
	}
	return u, nil
}
