package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/testutil"
	"github.com/roach88/policyengine/internal/tracker"
)

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, gen tracker.IDGenerator, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := newRootCommand(&RootOptions{IDGenerator: gen})
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

type jsonResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *CLIError       `json:"error"`
}

func decodeResponse(t *testing.T, out string) jsonResponse {
	t.Helper()
	var resp jsonResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	return resp
}

// decodeData parses a successful JSON response into v.
func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	resp := decodeResponse(t, out)
	require.Equal(t, "ok", resp.Status, "output: %s", out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "policy.db")
}

// submitRequest submits testdata/request.yaml and returns the evaluation id.
func submitRequest(t *testing.T, db string) string {
	t.Helper()
	out, err := runCLI(t, testutil.NewSequentialIDGenerator("eval"), "--format", "json", "submit", "testdata/request.yaml", "--db", db)
	require.NoError(t, err, out)

	var ps map[string]any
	decodeData(t, out, &ps)
	assert.Equal(t, "submitted", ps["status"])
	return ps["id"].(string)
}

func TestValidateCommand(t *testing.T) {
	out, err := runCLI(t, nil, "validate", "testdata/request.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "request valid (2 job(s), 3 step(s))")
}

func TestValidateCommandJSON(t *testing.T) {
	out, err := runCLI(t, nil, "--format", "json", "validate", "testdata/request.yaml")
	require.NoError(t, err)

	var result ValidationResult
	decodeData(t, out, &result)
	assert.True(t, result.Valid)
	assert.Equal(t, 2, result.Jobs)
	assert.Equal(t, 3, result.Steps)
}

func TestValidateInvalidRequest(t *testing.T) {
	out, err := runCLI(t, nil, "--format", "json", "validate", "testdata/invalid.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalid, resp.Error.Code)
	details, ok := resp.Error.Details.([]any)
	require.True(t, ok, "details: %#v", resp.Error.Details)
	assert.NotEmpty(t, details)
}

func TestValidateInvalidRequestText(t *testing.T) {
	out, err := runCLI(t, nil, "validate", "testdata/invalid.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "request is invalid:")
	assert.Contains(t, out, "stack")
}

func TestValidateMissingFile(t *testing.T) {
	_, err := runCLI(t, nil, "validate", "testdata/nope.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSubmitRequiresDatabase(t *testing.T) {
	_, err := runCLI(t, nil, "submit", "testdata/request.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "database is required")
}

func TestSubmitRefusesInvalidRequest(t *testing.T) {
	db := tempDB(t)
	_, err := runCLI(t, nil, "submit", "testdata/invalid.yaml", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestEvaluationLifecycle(t *testing.T) {
	db := tempDB(t)
	id := submitRequest(t, db)
	assert.Equal(t, "eval-1", id)

	report := func(args ...string) (ReportResult, error) {
		t.Helper()
		full := append([]string{"--format", "json", "report", id, "--db", db}, args...)
		out, err := runCLI(t, nil, full...)
		var result ReportResult
		if err == nil {
			decodeData(t, out, &result)
		}
		return result, err
	}

	r, err := report("--job", "build", "--step", "0", "--status", "complete", "--meta", "runner=gh-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Seq)
	assert.Equal(t, tracker.ResultApplied, r.Result)
	assert.Equal(t, "0", r.StepKey)
	assert.Equal(t, "in_progress", r.Status["status"])
	assert.Nil(t, r.Completion)

	r, err = report("--job", "build", "--step", "compile", "--status", "complete", "--outputs-file", "testdata/step-output")
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Seq)
	assert.Equal(t, "1", r.StepKey, "declared id resolves to the step index")

	r, err = report("--job", "test", "--step", "0", "--status", "complete", "--outputs", `{"coverage": 91}`)
	require.NoError(t, err)
	assert.Equal(t, "complete", r.Status["status"])
	require.NotNil(t, r.Completion)
	assert.Equal(t, schema.ExitSuccess, r.Completion.ExitStatus)
	assert.Equal(t, "app.tar", r.Completion.Outputs["artifact"])
	assert.Equal(t, "line one\nline two", r.Completion.Outputs["notes"])
	assert.EqualValues(t, 91, r.Completion.Outputs["coverage"])
	assert.NotEmpty(t, r.Completion.Digest)

	// Terminal evaluations record further reports for audit only.
	r, err = report("--job", "test", "--step", "0", "--status", "complete")
	require.NoError(t, err)
	assert.Equal(t, tracker.ResultAudit, r.Result)

	out, err := runCLI(t, nil, "--format", "json", "status", id, "--db", db)
	require.NoError(t, err)
	var status StatusResult
	decodeData(t, out, &status)
	assert.Equal(t, "complete", status.Status["status"])
	assert.False(t, status.Abandoned)
	assert.Equal(t, 4, status.Updates)
	require.NotNil(t, status.Completion)
	completionDigest := status.Completion.Digest

	out, err = runCLI(t, nil, "--format", "json", "trace", id, "--db", db, "--verify")
	require.NoError(t, err)
	var trace TraceResult
	decodeData(t, out, &trace)
	assert.Equal(t, TraceStats{Applied: 3, Audit: 1}, trace.Stats)
	require.Len(t, trace.Entries, 4)
	assert.Equal(t, "compile", trace.Entries[1].StepID)
	assert.Equal(t, "1", trace.Entries[1].StepKey)
	assert.Equal(t, int64(3), trace.CompletionSeq)
	require.NotNil(t, trace.Completion)
	assert.Equal(t, completionDigest, trace.Completion.Digest)
	require.NotNil(t, trace.Deterministic)
	assert.True(t, *trace.Deterministic, "differences: %v", trace.Differences)
}

func TestStatusText(t *testing.T) {
	db := tempDB(t)
	id := submitRequest(t, db)

	out, err := runCLI(t, nil, "status", id, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "id:     "+id)
	assert.Contains(t, out, "status: submitted")
	assert.Contains(t, out, "updates: 0")
}

func TestReportRejected(t *testing.T) {
	db := tempDB(t)
	id := submitRequest(t, db)

	_, err := runCLI(t, nil, "report", id, "--db", db, "--job", "build", "--step", "0", "--status", "complete")
	require.NoError(t, err)

	out, err := runCLI(t, nil, "--format", "json", "report", id, "--db", db, "--job", "build", "--step", "0", "--status", "in_progress")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decodeResponse(t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeRejected, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "seq 2")

	out, err = runCLI(t, nil, "--format", "json", "report", id, "--db", db, "--job", "deploy", "--step", "0", "--status", "complete")
	require.Error(t, err)
	assert.Equal(t, ErrCodeRejected, decodeResponse(t, out).Error.Code)

	out, err = runCLI(t, nil, "--format", "json", "trace", id, "--db", db, "--verify")
	require.NoError(t, err)
	var trace TraceResult
	decodeData(t, out, &trace)
	assert.Equal(t, TraceStats{Applied: 1, Rejected: 2}, trace.Stats)
	assert.NotEmpty(t, trace.Entries[1].Error)
	assert.Equal(t, "in_progress", trace.Entries[1].Overall)
	assert.True(t, *trace.Deterministic, "differences: %v", trace.Differences)
}

func TestReportInvalidFlags(t *testing.T) {
	db := tempDB(t)
	id := submitRequest(t, db)

	tests := []struct {
		name string
		args []string
		exit int
	}{
		{"unknown status", []string{"--status", "done"}, ExitFailure},
		{"unknown sentinel", []string{"--status", "unknown"}, ExitFailure},
		{"bad meta", []string{"--status", "complete", "--meta", "novalue"}, ExitCommandError},
		{"outputs not an object", []string{"--status", "complete", "--outputs", "[1, 2]"}, ExitCommandError},
		{"both outputs sources", []string{"--status", "complete", "--outputs", "{}", "--outputs-file", "testdata/step-output"}, ExitCommandError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"report", id, "--db", db, "--job", "build", "--step", "0"}, tt.args...)
			_, err := runCLI(t, nil, args...)
			require.Error(t, err)
			assert.Equal(t, tt.exit, GetExitCode(err))
		})
	}

	// None of the invalid reports reached the evaluation.
	out, err := runCLI(t, nil, "--format", "json", "trace", id, "--db", db)
	require.NoError(t, err)
	var trace TraceResult
	decodeData(t, out, &trace)
	assert.Empty(t, trace.Entries)
}

func TestReportBadOutputsFile(t *testing.T) {
	db := tempDB(t)
	id := submitRequest(t, db)

	bad := filepath.Join(t.TempDir(), "out")
	require.NoError(t, os.WriteFile(bad, []byte("notes<<EOF\nnever closed\n"), 0o644))

	_, err := runCLI(t, nil, "report", id, "--db", db, "--job", "build", "--step", "0", "--status", "complete", "--outputs-file", bad)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestUnknownEvaluation(t *testing.T) {
	db := tempDB(t)
	submitRequest(t, db)

	for _, args := range [][]string{
		{"status", "eval-9", "--db", db},
		{"abandon", "eval-9", "--db", db},
		{"trace", "eval-9", "--db", db},
		{"report", "eval-9", "--db", db, "--job", "build", "--step", "0", "--status", "complete"},
	} {
		t.Run(args[0], func(t *testing.T) {
			out, err := runCLI(t, nil, append([]string{"--format", "json"}, args...)...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
			assert.Equal(t, ErrCodeNotFound, decodeResponse(t, out).Error.Code)
		})
	}
}

func TestAbandonCommand(t *testing.T) {
	db := tempDB(t)
	id := submitRequest(t, db)

	_, err := runCLI(t, nil, "report", id, "--db", db, "--job", "build", "--step", "0", "--status", "complete")
	require.NoError(t, err)

	out, err := runCLI(t, nil, "--format", "json", "abandon", id, "--db", db)
	require.NoError(t, err)
	var status StatusResult
	decodeData(t, out, &status)
	assert.True(t, status.Abandoned)
	assert.Equal(t, "in_progress", status.Status["status"])

	// Abandoning again changes nothing.
	_, err = runCLI(t, nil, "abandon", id, "--db", db)
	require.NoError(t, err)

	// Reports after abandonment are kept but never complete the evaluation.
	_, err = runCLI(t, nil, "report", id, "--db", db, "--job", "build", "--step", "compile", "--status", "complete")
	require.NoError(t, err)
	_, err = runCLI(t, nil, "report", id, "--db", db, "--job", "test", "--step", "0", "--status", "complete")
	require.NoError(t, err)

	out, err = runCLI(t, nil, "--format", "json", "trace", id, "--db", db, "--verify")
	require.NoError(t, err)
	var trace TraceResult
	decodeData(t, out, &trace)
	assert.Equal(t, TraceStats{Applied: 3, Abandoned: 1}, trace.Stats)
	require.Len(t, trace.Entries, 4)
	assert.Equal(t, tracker.ResultAbandoned, trace.Entries[1].Result)
	assert.Equal(t, int64(2), trace.Entries[1].Seq)
	assert.Nil(t, trace.Completion)
	assert.True(t, *trace.Deterministic, "differences: %v", trace.Differences)
}

func TestTraceText(t *testing.T) {
	db := tempDB(t)
	id := submitRequest(t, db)

	_, err := runCLI(t, nil, "report", id, "--db", db, "--job", "build", "--step", "0", "--status", "in_progress")
	require.NoError(t, err)

	out, err := runCLI(t, nil, "trace", id, "--db", db, "--verify")
	require.NoError(t, err)
	assert.Contains(t, out, "evaluation "+id)
	assert.Contains(t, out, "build/0 in_progress -> in_progress")
	assert.Contains(t, out, "applied 1, audit 0, rejected 0, abandoned 0")
	assert.Contains(t, out, "replay matches stored trace")
}

func TestEvaluateCommand(t *testing.T) {
	tests := []struct {
		name      string
		updates   string
		exit      int
		status    string
		stats     TraceStats
		abandoned bool
		complete  schema.ExitStatus
	}{
		{
			name:     "success",
			updates:  "testdata/updates.yaml",
			status:   "complete",
			stats:    TraceStats{Applied: 4},
			complete: schema.ExitSuccess,
		},
		{
			name:     "failure",
			updates:  "testdata/updates_failure.yaml",
			exit:     ExitFailure,
			status:   "input_validation_error",
			stats:    TraceStats{Applied: 2, Audit: 1},
			complete: schema.ExitFailure,
		},
		{
			name:    "rejected",
			updates: "testdata/updates_rejected.yaml",
			status:  "in_progress",
			stats:   TraceStats{Applied: 1, Rejected: 2},
		},
		{
			name:      "abandoned",
			updates:   "testdata/updates_abandon.yaml",
			status:    "in_progress",
			stats:     TraceStats{Applied: 3, Abandoned: 1},
			abandoned: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runCLI(t, testutil.NewSequentialIDGenerator("eval"),
				"--format", "json", "evaluate", "testdata/request.yaml", "--updates", tt.updates)
			assert.Equal(t, tt.exit, GetExitCode(err))

			var result EvaluateResult
			decodeData(t, out, &result)
			assert.Equal(t, "eval-1", result.EvaluationID)
			assert.Equal(t, tt.status, result.Status["status"])
			assert.Equal(t, tt.stats, result.Stats)
			assert.Equal(t, tt.abandoned, result.Abandoned)
			if tt.complete == "" {
				assert.Nil(t, result.Completion)
				return
			}
			require.NotNil(t, result.Completion)
			assert.Equal(t, tt.complete, result.Completion.ExitStatus)
		})
	}
}

func TestEvaluateModesAgree(t *testing.T) {
	digests := map[string]string{}
	for _, mode := range []string{"", "--parallel", "--queue"} {
		args := []string{"--format", "json", "evaluate", "testdata/request.yaml", "--updates", "testdata/updates.yaml"}
		if mode != "" {
			args = append(args, mode)
		}
		out, err := runCLI(t, testutil.NewSequentialIDGenerator("eval"), args...)
		require.NoError(t, err, "mode %q", mode)

		var result EvaluateResult
		decodeData(t, out, &result)
		require.NotNil(t, result.Completion, "mode %q", mode)
		assert.Equal(t, TraceStats{Applied: 4}, result.Stats, "mode %q", mode)
		digests[mode] = result.Completion.Digest
	}
	assert.Equal(t, digests[""], digests["--parallel"])
	assert.Equal(t, digests[""], digests["--queue"])
}

func TestEvaluateParallelRejectsAbandon(t *testing.T) {
	out, err := runCLI(t, nil, "--format", "json", "evaluate", "testdata/request.yaml",
		"--updates", "testdata/updates_abandon.yaml", "--parallel")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, ErrCodeUsage, decodeResponse(t, out).Error.Code)
}

func TestEvaluateQueueAbandon(t *testing.T) {
	out, err := runCLI(t, testutil.NewSequentialIDGenerator("eval"), "--format", "json", "evaluate", "testdata/request.yaml",
		"--updates", "testdata/updates_abandon.yaml", "--queue")
	require.NoError(t, err)

	var result EvaluateResult
	decodeData(t, out, &result)
	assert.True(t, result.Abandoned)
	assert.Equal(t, TraceStats{Applied: 3, Abandoned: 1}, result.Stats)
}

func TestEvaluatePersistsAndVerifies(t *testing.T) {
	db := tempDB(t)
	_, err := runCLI(t, testutil.NewSequentialIDGenerator("eval"), "evaluate", "testdata/request.yaml",
		"--updates", "testdata/updates_failure.yaml", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err := runCLI(t, nil, "--format", "json", "trace", "eval-1", "--db", db, "--verify")
	require.NoError(t, err)
	var trace TraceResult
	decodeData(t, out, &trace)
	require.NotNil(t, trace.Completion)
	assert.Equal(t, schema.ExitFailure, trace.Completion.ExitStatus)
	assert.Equal(t, map[string]any{
		"build": map[string]any{
			"0": map[string]any{},
			"1": map[string]any{"reason": "missing toolchain"},
		},
	}, trace.Completion.Annotations)
	assert.True(t, *trace.Deterministic, "differences: %v", trace.Differences)
}

func TestEvaluateMissingUpdates(t *testing.T) {
	_, err := runCLI(t, nil, "evaluate", "testdata/request.yaml", "--updates", "testdata/nope.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestConfigQuota(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "policy.cue")
	require.NoError(t, os.WriteFile(cfgPath, []byte("max_updates: 1\n"), 0o644))

	out, err := runCLI(t, testutil.NewSequentialIDGenerator("eval"), "--format", "json", "--config", cfgPath,
		"evaluate", "testdata/request.yaml", "--updates", "testdata/updates.yaml")
	require.NoError(t, err)

	var result EvaluateResult
	decodeData(t, out, &result)
	assert.Equal(t, TraceStats{Applied: 1, Rejected: 3}, result.Stats)
	assert.Equal(t, "in_progress", result.Status["status"])
}

func TestConfigDatabase(t *testing.T) {
	db := tempDB(t)
	cfgPath := filepath.Join(t.TempDir(), "policy.cue")
	require.NoError(t, os.WriteFile(cfgPath, []byte("database: \""+filepath.ToSlash(db)+"\"\n"), 0o644))

	out, err := runCLI(t, testutil.NewSequentialIDGenerator("eval"), "--config", cfgPath, "submit", "testdata/request.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "status: submitted")

	_, err = runCLI(t, nil, "--config", cfgPath, "status", "eval-1")
	require.NoError(t, err)
}

func TestBadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "policy.cue")
	require.NoError(t, os.WriteFile(cfgPath, []byte("max_updates: -1\n"), 0o644))

	_, err := runCLI(t, nil, "--config", cfgPath, "validate", "testdata/request.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMetricsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policyengine.prom")
	_, err := runCLI(t, nil, "--metrics-file", path,
		"evaluate", "testdata/request.yaml", "--updates", "testdata/updates.yaml")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `policyengine_step_updates_total{result="applied"} 4`)
	assert.Contains(t, text, "policyengine_evaluations_submitted_total 1")
	assert.Contains(t, text, `policyengine_evaluations_terminal_total{status="complete"} 1`)
}

func TestMetricsFileCountsReport(t *testing.T) {
	db := tempDB(t)
	id := submitRequest(t, db)
	path := filepath.Join(t.TempDir(), "report.prom")

	_, err := runCLI(t, nil, "--metrics-file", path, "report", id, "--db", db,
		"--job", "build", "--step", "0", "--status", "complete")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `policyengine_step_updates_total{result="applied"} 1`)
}
