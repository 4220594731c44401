package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/testutil"
	"github.com/roach88/policyengine/internal/tracker"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEvaluation writes a two-job evaluation and returns its request.
func createTestEvaluation(t *testing.T, s *Store, id string) *schema.PolicyRequest {
	t.Helper()
	req := testutil.Request(testutil.TwoJobWorkflow())
	if err := s.WriteEvaluation(context.Background(), id, req); err != nil {
		t.Fatalf("WriteEvaluation() failed: %v", err)
	}
	return req
}

// createTestUpdate builds an applied report at seq.
func createTestUpdate(id, job, step string, status schema.Status, seq int64) UpdateRecord {
	return UpdateRecord{
		EvaluationID: id,
		Seq:          seq,
		Report: tracker.Report{
			JobID:  job,
			StepID: step,
			Update: testutil.Update(status),
		},
		StepKey: step,
		Result:  tracker.ResultApplied,
		Overall: schema.StatusInProgress,
	}
}
