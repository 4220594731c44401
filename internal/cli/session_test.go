package cli

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/policyengine/internal/engine"
	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/testutil"
	"github.com/roach88/policyengine/internal/tracker"
)

func TestWithEvaluationReloadsAfterConflict(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)
	id := submitRequest(t, db)

	sess, err := openSession(&RootOptions{}, db, true)
	require.NoError(t, err)
	defer sess.Close()
	f := &OutputFormatter{Format: "json", Writer: io.Discard}

	attempts := 0
	var out tracker.Outcome
	err = sess.withEvaluation(ctx, f, id, func(e *engine.Engine) error {
		attempts++
		if attempts == 1 {
			// Another process records a report after this one loaded.
			other := engine.New(engine.WithStore(sess.store))
			require.NoError(t, other.Load(ctx, id))
			_, err := other.Report(ctx, id, tracker.Report{JobID: "build", StepID: "0", Update: testutil.Update(schema.StatusComplete)})
			require.NoError(t, err)
		}
		var rerr error
		out, rerr = e.Report(ctx, id, tracker.Report{JobID: "test", StepID: "0", Update: testutil.Update(schema.StatusComplete)})
		return rerr
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int64(2), out.Seq)
	assert.Equal(t, tracker.ResultApplied, out.Result)

	snap, err := sess.engine.Tracker().Status(id)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Updates, "both reports survive")
}

func TestWithEvaluationGivesUpOnRepeatedConflicts(t *testing.T) {
	ctx := context.Background()
	db := tempDB(t)
	id := submitRequest(t, db)

	sess, err := openSession(&RootOptions{}, db, true)
	require.NoError(t, err)
	defer sess.Close()
	f := &OutputFormatter{Format: "json", Writer: io.Discard}

	attempts := 0
	err = sess.withEvaluation(ctx, f, id, func(e *engine.Engine) error {
		attempts++
		other := engine.New(engine.WithStore(sess.store))
		require.NoError(t, other.Load(ctx, id))
		_, err := other.Report(ctx, id, tracker.Report{JobID: "build", StepID: "0", Update: testutil.Update(schema.StatusInProgress)})
		require.NoError(t, err)

		_, rerr := e.Report(ctx, id, tracker.Report{JobID: "build", StepID: "0", Update: testutil.Update(schema.StatusInProgress)})
		return rerr
	})
	require.Error(t, err)
	assert.True(t, engine.IsConflict(err))
	assert.Equal(t, maxConflictAttempts, attempts)
}
