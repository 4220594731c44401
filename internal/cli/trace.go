package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/store"
	"github.com/roach88/policyengine/internal/tracker"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Verify   bool
}

// TraceEntry is one stored event of an evaluation.
type TraceEntry struct {
	Seq     int64          `json:"seq"`
	Result  tracker.Result `json:"result"`
	JobID   string         `json:"job_id,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	StepKey string         `json:"step_key,omitempty"`
	Status  string         `json:"status,omitempty"`
	Overall string         `json:"overall,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// TraceStats counts stored events by result.
type TraceStats struct {
	Applied   int `json:"applied"`
	Audit     int `json:"audit"`
	Rejected  int `json:"rejected"`
	Abandoned int `json:"abandoned"`
}

func (s *TraceStats) count(r tracker.Result) {
	switch r {
	case tracker.ResultApplied:
		s.Applied++
	case tracker.ResultAudit:
		s.Audit++
	case tracker.ResultRejected:
		s.Rejected++
	case tracker.ResultAbandoned:
		s.Abandoned++
	}
}

// TraceResult is an evaluation's stored timeline.
type TraceResult struct {
	EvaluationID  string                   `json:"evaluation_id"`
	RequestDigest string                   `json:"request_digest"`
	Entries       []TraceEntry             `json:"entries"`
	Stats         TraceStats               `json:"stats"`
	Completion    *schema.PolicyCompletion `json:"completion,omitempty"`
	CompletionSeq int64                    `json:"completion_seq,omitempty"`

	// Deterministic is set with --verify: rebuilding the evaluation from
	// the store reproduced every stored result and the completion digest.
	Deterministic *bool    `json:"deterministic,omitempty"`
	Differences   []string `json:"differences,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <evaluation-id>",
		Short: "Show an evaluation's stored timeline",
		Long: `Print every stored event of an evaluation in seq order: applied,
audited and rejected reports, the abandonment if any, and the completion.

With --verify the evaluation is rebuilt from the store and each replayed
result is compared with the stored one.

Exit codes:
  0 - Trace printed (and verified, with --verify)
  1 - Replay diverged from the stored trace
  2 - Command error (database not found, etc.)

Examples:
  policyengine trace 0190a... --db ./policy.db
  policyengine trace 0190a... --db ./policy.db --verify --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "rebuild the evaluation and compare with the stored trace")

	return cmd
}

func runTrace(opts *TraceOptions, id string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := commandContext(cmd)

	sess, err := openSession(opts.RootOptions, opts.Database, true)
	if err != nil {
		return fail(f, GetExitCode(err), ErrCodeDatabase, "cannot open session", err, nil)
	}
	defer sess.Close()

	result, err := readTrace(ctx, sess.store, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fail(f, ExitCommandError, ErrCodeNotFound, fmt.Sprintf("evaluation %s not found", id), err, nil)
		}
		return fail(f, ExitCommandError, ErrCodeDatabase, "failed to read trace", err, nil)
	}

	if opts.Verify {
		if err := sess.load(ctx, f, id); err != nil {
			return err
		}
		diffs, err := verifyTrace(sess.engine.Tracker(), result)
		if err != nil {
			return fail(f, ExitCommandError, ErrCodeNotFound, "cannot verify trace", err, nil)
		}
		ok := len(diffs) == 0
		result.Deterministic = &ok
		result.Differences = diffs
	}

	if err := outputTrace(f, result); err != nil {
		return err
	}
	if result.Deterministic != nil && !*result.Deterministic {
		return NewExitError(ExitFailure, fmt.Sprintf("replay of %s diverged from the stored trace", id))
	}
	return nil
}

// readTrace merges stored updates, the abandonment and the completion
// into one seq-ordered timeline.
func readTrace(ctx context.Context, st *store.Store, id string) (TraceResult, error) {
	ev, err := st.ReadEvaluation(ctx, id)
	if err != nil {
		return TraceResult{}, err
	}
	updates, err := st.ReadUpdates(ctx, id)
	if err != nil {
		return TraceResult{}, err
	}

	result := TraceResult{
		EvaluationID:  id,
		RequestDigest: ev.RequestDigest,
		Entries:       make([]TraceEntry, 0, len(updates)+1),
	}
	abandonPending := ev.AbandonedSeq > 0
	for _, u := range updates {
		if abandonPending && u.Seq > ev.AbandonedSeq {
			result.Entries = append(result.Entries, abandonedEntry(ev.AbandonedSeq))
			abandonPending = false
		}
		result.Entries = append(result.Entries, TraceEntry{
			Seq:     u.Seq,
			Result:  u.Result,
			JobID:   u.Report.JobID,
			StepID:  u.Report.StepID,
			StepKey: u.StepKey,
			Status:  u.Report.Update.Status.String(),
			Overall: u.Overall.String(),
			Error:   u.Error,
		})
	}
	if abandonPending {
		result.Entries = append(result.Entries, abandonedEntry(ev.AbandonedSeq))
	}

	for _, e := range result.Entries {
		result.Stats.count(e.Result)
	}

	c, err := st.ReadCompletion(ctx, id)
	switch {
	case err == nil:
		result.Completion = &c.Completion
		result.CompletionSeq = c.Seq
	case !errors.Is(err, sql.ErrNoRows):
		return TraceResult{}, err
	}
	return result, nil
}

func abandonedEntry(seq int64) TraceEntry {
	return TraceEntry{Seq: seq, Result: tracker.ResultAbandoned}
}

// verifyTrace compares a rebuilt evaluation with its stored timeline.
func verifyTrace(tr *tracker.Tracker, stored TraceResult) ([]string, error) {
	replayed, err := tr.Trace(stored.EvaluationID)
	if err != nil {
		return nil, err
	}

	var diffs []string
	if len(replayed) != len(stored.Entries) {
		diffs = append(diffs, fmt.Sprintf("entry count: stored %d, replayed %d", len(stored.Entries), len(replayed)))
	}
	for i := range min(len(replayed), len(stored.Entries)) {
		want, got := stored.Entries[i], replayed[i]
		switch {
		case want.Seq != got.Seq:
			diffs = append(diffs, fmt.Sprintf("entry %d: stored seq %d, replayed seq %d", i, want.Seq, got.Seq))
		case want.Result != got.Result:
			diffs = append(diffs, fmt.Sprintf("seq %d: stored %s, replayed %s", want.Seq, want.Result, got.Result))
		case want.Result != tracker.ResultAbandoned && want.Overall != got.Overall.String():
			diffs = append(diffs, fmt.Sprintf("seq %d: stored overall %s, replayed %s", want.Seq, want.Overall, got.Overall))
		}
	}

	completion, err := tr.Completion(stored.EvaluationID)
	if err != nil {
		return nil, err
	}
	switch {
	case stored.Completion == nil && completion != nil:
		diffs = append(diffs, "replay produced a completion that was never stored")
	case stored.Completion != nil && completion == nil:
		diffs = append(diffs, "replay produced no completion")
	case stored.Completion != nil && stored.Completion.Digest != completion.Digest:
		diffs = append(diffs, fmt.Sprintf("completion digest: stored %s, replayed %s", stored.Completion.Digest, completion.Digest))
	}
	return diffs, nil
}

func outputTrace(f *OutputFormatter, result TraceResult) error {
	if f.Format == "json" {
		return f.Success(result)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "evaluation %s (request %s)\n", result.EvaluationID, result.RequestDigest)
	if len(result.Entries) == 0 {
		b.WriteString("  no events\n")
	}
	for _, e := range result.Entries {
		if e.Result == tracker.ResultAbandoned {
			fmt.Fprintf(&b, "  %4d  abandoned\n", e.Seq)
			continue
		}
		fmt.Fprintf(&b, "  %4d  %-8s %s/%s %s -> %s", e.Seq, e.Result, e.JobID, e.StepID, e.Status, e.Overall)
		if e.Error != "" {
			fmt.Fprintf(&b, "  (%s)", e.Error)
		}
		b.WriteString("\n")
	}
	if result.Completion != nil {
		fmt.Fprintf(&b, "completion at seq %d: %s (digest %s)\n", result.CompletionSeq, result.Completion.ExitStatus, result.Completion.Digest)
	}
	fmt.Fprintf(&b, "applied %d, audit %d, rejected %d, abandoned %d",
		result.Stats.Applied, result.Stats.Audit, result.Stats.Rejected, result.Stats.Abandoned)
	if result.Deterministic != nil {
		if *result.Deterministic {
			b.WriteString("\n✓ replay matches stored trace")
		} else {
			b.WriteString("\n✗ replay diverged:")
			for _, d := range result.Differences {
				fmt.Fprintf(&b, "\n  %s", d)
			}
		}
	}
	return f.Success(b.String())
}
