package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/policyengine/internal/metrics"
	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/store"
	"github.com/roach88/policyengine/internal/testutil"
	"github.com/roach88/policyengine/internal/tracker"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, s *store.Store) *Engine {
	t.Helper()
	tr := tracker.New(tracker.WithIDGenerator(testutil.NewSequentialIDGenerator("")))
	opts := []Option{WithTracker(tr), WithMetrics(metrics.New(prometheus.NewRegistry()))}
	if s != nil {
		opts = append(opts, WithStore(s))
	}
	return New(opts...)
}

func stepReport(job, step string, status schema.Status) tracker.Report {
	return tracker.Report{JobID: job, StepID: step, Update: testutil.Update(status)}
}

func TestEngine_New(t *testing.T) {
	e := New()
	assert.NotNil(t, e.Tracker())
	assert.NotNil(t, e.queue)
	assert.Nil(t, e.store)
}

func TestEngine_SubmitPersists(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	ctx := context.Background()

	ps, err := e.Submit(ctx, testutil.Request(testutil.TwoJobWorkflow()))
	require.NoError(t, err)
	assert.Equal(t, "eval-1", ps.ID)
	assert.Equal(t, schema.StatusSubmitted, ps.Status)

	rec, err := s.ReadEvaluation(ctx, ps.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"build", "test"}, rec.Request.Workflow.JobOrder)
}

func TestEngine_SubmitRefusedNotStored(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	ctx := context.Background()

	bad := testutil.Workflow("lint", schema.WorkflowJob{Steps: []schema.WorkflowJobStep{testutil.Run("x")}})
	_, err := e.Submit(ctx, testutil.Request(bad))
	require.Error(t, err)
	assert.True(t, schema.IsKind(err, schema.MissingField))

	ids, err := s.ReadEvaluationIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEngine_ReportPersistsCompletion(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	ctx := context.Background()

	ps, err := e.Submit(ctx, testutil.Request(testutil.TwoJobWorkflow()))
	require.NoError(t, err)

	_, err = e.Report(ctx, ps.ID, stepReport("build", "0", schema.StatusComplete))
	require.NoError(t, err)

	out, err := e.Report(ctx, ps.ID, stepReport("build", "0", schema.StatusInProgress))
	require.Error(t, err, "backward move is rejected")
	assert.False(t, IsPersistError(err))
	assert.Equal(t, tracker.ResultRejected, out.Result)

	out, err = e.Report(ctx, ps.ID, stepReport("test", "0", schema.StatusComplete))
	require.NoError(t, err)
	require.NotNil(t, out.Completion)

	updates, err := s.ReadUpdates(ctx, ps.ID)
	require.NoError(t, err)
	require.Len(t, updates, 3)
	assert.Equal(t, tracker.ResultApplied, updates[0].Result)
	assert.Equal(t, "0", updates[0].StepKey)
	assert.Equal(t, tracker.ResultRejected, updates[1].Result)
	assert.Empty(t, updates[1].StepKey)
	assert.NotEmpty(t, updates[1].Error)
	assert.Equal(t, schema.StatusComplete, updates[2].Overall)

	c, err := s.ReadCompletion(ctx, ps.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Seq, c.Seq)
	assert.Equal(t, out.Completion.Digest, c.Completion.Digest)
}

func TestEngine_ReportUnknownEvaluation(t *testing.T) {
	e := newTestEngine(t, setupTestStore(t))

	out, err := e.Report(context.Background(), "missing", stepReport("build", "0", schema.StatusComplete))
	require.ErrorIs(t, err, tracker.ErrNotFound)
	assert.Zero(t, out.Seq)
}

func TestEngine_PersistFailure(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	ctx := context.Background()

	ps, err := e.Submit(ctx, testutil.Request(testutil.LintWorkflow()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	out, err := e.Report(ctx, ps.ID, stepReport("lint", "0", schema.StatusInProgress))
	require.Error(t, err)
	assert.True(t, IsPersistError(err))
	assert.True(t, out.Applied(), "tracker state is ahead of the store")
}

func TestEngine_Abandon(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	ctx := context.Background()

	ps, err := e.Submit(ctx, testutil.Request(testutil.TwoJobWorkflow()))
	require.NoError(t, err)

	out, err := e.Abandon(ctx, ps.ID)
	require.NoError(t, err)
	assert.Equal(t, tracker.ResultAbandoned, out.Result)

	again, err := e.Abandon(ctx, ps.ID)
	require.NoError(t, err)
	assert.Equal(t, tracker.ResultAudit, again.Result)

	rec, err := s.ReadEvaluation(ctx, ps.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Seq, rec.AbandonedSeq)

	_, err = e.Abandon(ctx, "missing")
	assert.ErrorIs(t, err, tracker.ErrNotFound)
}

func TestEngine_InMemory(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	ps, err := e.Submit(ctx, testutil.Request(testutil.LintWorkflow()))
	require.NoError(t, err)
	out, err := e.Report(ctx, ps.ID, stepReport("lint", "0", schema.StatusComplete))
	require.NoError(t, err)
	assert.NotNil(t, out.Completion)

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Error(t, e.Load(ctx, ps.ID))
}

func TestEngine_RunDrainsAfterStop(t *testing.T) {
	s := setupTestStore(t)
	e := newTestEngine(t, s)
	ctx := context.Background()

	ps, err := e.Submit(ctx, testutil.Request(testutil.TwoJobWorkflow()))
	require.NoError(t, err)

	require.True(t, e.Enqueue(ReportEvent(ps.ID, stepReport("build", "0", schema.StatusInProgress))))
	require.True(t, e.Enqueue(ReportEvent("missing", stepReport("build", "0", schema.StatusInProgress))))
	require.True(t, e.Enqueue(ReportEvent(ps.ID, stepReport("nope", "0", schema.StatusComplete))))
	require.True(t, e.Enqueue(Event{Type: EventTypeReport, EvaluationID: ps.ID}))
	require.True(t, e.Enqueue(Event{Type: EventType(99)}))
	require.True(t, e.Enqueue(ReportEvent(ps.ID, stepReport("build", "0", schema.StatusComplete))))
	require.True(t, e.Enqueue(ReportEvent(ps.ID, stepReport("test", "0", schema.StatusComplete))))
	e.Stop()
	assert.False(t, e.Enqueue(AbandonEvent(ps.ID)), "enqueue after stop")

	require.NoError(t, e.Run(ctx))

	snap, err := e.Tracker().Status(ps.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusComplete, snap.Status.Status)

	updates, err := s.ReadUpdates(ctx, ps.ID)
	require.NoError(t, err)
	assert.Len(t, updates, 4, "rejected reports are stored too")
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.False(t, e.Enqueue(AbandonEvent("x")), "queue closed on cancel")
}

func TestEngine_RunProcessesLiveEvents(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	ps, err := e.Submit(ctx, testutil.Request(testutil.LintWorkflow()))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.Enqueue(ReportEvent(ps.ID, stepReport("lint", "0", schema.StatusInProgress)))
	time.Sleep(10 * time.Millisecond)
	e.Enqueue(ReportEvent(ps.ID, stepReport("lint", "0", schema.StatusComplete)))
	e.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after stop")
	}

	c, err := e.Tracker().Completion(ps.ID)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, schema.ExitSuccess, c.ExitStatus)
}
