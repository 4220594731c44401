package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/roach88/policyengine/internal/engine"
	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/tracker"
)

// EvaluateOptions holds flags for the evaluate command.
type EvaluateOptions struct {
	*RootOptions
	Database string
	Updates  string
	Parallel bool
	Queue    bool
}

// scriptStep is one entry of an updates file: a step report, or an
// abandonment when Abandon is set.
type scriptStep struct {
	Abandon        bool `yaml:"abandon"`
	tracker.Report `yaml:",inline"`
}

// EvaluateResult is the final state of a scripted evaluation.
type EvaluateResult struct {
	EvaluationID string                   `json:"evaluation_id"`
	Status       map[string]any           `json:"status"`
	Abandoned    bool                     `json:"abandoned"`
	Stats        TraceStats               `json:"stats"`
	Completion   *schema.PolicyCompletion `json:"completion,omitempty"`
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EvaluateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "evaluate <request-file>",
		Short: "Run a request through a scripted sequence of step reports",
		Long: `Submit a request and apply every report from an updates file, then
print the final status and completion.

The updates file is a YAML list. Each entry names a job, a step (index or
declared id) and the update fields; an entry of "abandon: true" abandons
the evaluation at that point:

  - job: build
    step: "0"
    status: complete
    outputs: {artifact: app.tar}
  - abandon: true

With --parallel each job's reports run on their own goroutine, in file
order within the job. With --queue reports go through the engine's intake
queue and are drained by its run loop.

Exit codes:
  0 - Evaluation finished (or stopped) without a failure completion
  1 - Request refused or completion exit status is failure
  2 - Command error (file not found, etc.)

Example:
  policyengine evaluate request.yaml --updates updates.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: in-memory)")
	cmd.Flags().StringVar(&opts.Updates, "updates", "", "path to the updates file (required)")
	_ = cmd.MarkFlagRequired("updates")
	cmd.Flags().BoolVar(&opts.Parallel, "parallel", false, "report each job's steps concurrently")
	cmd.Flags().BoolVar(&opts.Queue, "queue", false, "route reports through the intake queue")
	cmd.MarkFlagsMutuallyExclusive("parallel", "queue")

	return cmd
}

func runEvaluate(opts *EvaluateOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := commandContext(cmd)

	req, err := loadRequest(f, path)
	if err != nil {
		return err
	}
	steps, err := loadScript(opts.Updates)
	if err != nil {
		return fail(f, ExitCommandError, ErrCodeRead, fmt.Sprintf("cannot read %s", opts.Updates), err, nil)
	}
	if opts.Parallel {
		for i, s := range steps {
			if s.Abandon {
				return fail(f, ExitCommandError, ErrCodeUsage, fmt.Sprintf("entry %d: abandon cannot be ordered with --parallel", i), nil, nil)
			}
		}
	}

	sess, err := openSession(opts.RootOptions, opts.Database, false)
	if err != nil {
		return fail(f, GetExitCode(err), ErrCodeDatabase, "cannot open session", err, nil)
	}
	defer sess.Close()

	ps, err := sess.engine.Submit(ctx, req)
	if err != nil {
		if engine.IsPersistError(err) {
			return fail(f, ExitCommandError, ErrCodeDatabase, "failed to store evaluation", err, nil)
		}
		return failValidation(f, "request refused", err)
	}
	f.VerboseLog("submitted evaluation %s, applying %d update(s)", ps.ID, len(steps))

	switch {
	case opts.Parallel:
		err = applyParallel(ctx, sess.engine, ps.ID, steps)
	case opts.Queue:
		err = applyQueued(ctx, sess.engine, ps.ID, steps)
	default:
		err = applySequential(ctx, sess.engine, ps.ID, steps, f)
	}
	if err != nil {
		return fail(f, ExitCommandError, ErrCodeDatabase, "evaluation stopped", err, nil)
	}

	snap, err := sess.engine.Tracker().Status(ps.ID)
	if err != nil {
		return fail(f, ExitCommandError, ErrCodeNotFound, "evaluation vanished", err, nil)
	}
	entries, err := sess.engine.Tracker().Trace(ps.ID)
	if err != nil {
		return fail(f, ExitCommandError, ErrCodeNotFound, "evaluation vanished", err, nil)
	}

	result := EvaluateResult{
		EvaluationID: ps.ID,
		Status:       statusDocument(snap.Status),
		Abandoned:    snap.Abandoned,
		Stats:        statsOf(entries),
		Completion:   snap.Completion,
	}
	if err := outputEvaluate(f, snap, result); err != nil {
		return err
	}
	if snap.Completion != nil && snap.Completion.ExitStatus == schema.ExitFailure {
		return NewExitError(ExitFailure, fmt.Sprintf("evaluation %s completed with exit status failure", ps.ID))
	}
	return nil
}

// loadScript reads an updates file.
func loadScript(path string) ([]scriptStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var steps []scriptStep
	if err := yaml.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("parse updates: %w", err)
	}
	for i := range steps {
		if steps[i].Update.Metadata == nil {
			steps[i].Update.Metadata = map[string]string{}
		}
		if steps[i].Update.Outputs == nil {
			steps[i].Update.Outputs = map[string]any{}
		}
	}
	return steps, nil
}

// applySequential applies every entry in file order. Rejected reports are
// recorded by the tracker and do not stop the script.
func applySequential(ctx context.Context, e *engine.Engine, id string, steps []scriptStep, f *OutputFormatter) error {
	for _, s := range steps {
		if s.Abandon {
			if _, err := e.Abandon(ctx, id); err != nil {
				return err
			}
			continue
		}
		out, err := e.Report(ctx, id, s.Report)
		if engine.IsPersistError(err) {
			return err
		}
		f.VerboseLog("seq %d %s %s/%s", out.Seq, out.Result, s.JobID, s.StepID)
	}
	return nil
}

// applyParallel runs each job's reports on its own goroutine, preserving
// file order within a job.
func applyParallel(ctx context.Context, e *engine.Engine, id string, steps []scriptStep) error {
	var order []string
	byJob := make(map[string][]tracker.Report)
	for _, s := range steps {
		if _, ok := byJob[s.JobID]; !ok {
			order = append(order, s.JobID)
		}
		byJob[s.JobID] = append(byJob[s.JobID], s.Report)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range order {
		reports := byJob[job]
		g.Go(func() error {
			for _, r := range reports {
				if err := ctx.Err(); err != nil {
					return err
				}
				if _, err := e.Report(ctx, id, r); engine.IsPersistError(err) {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// applyQueued enqueues every entry, closes the queue and drains it.
func applyQueued(ctx context.Context, e *engine.Engine, id string, steps []scriptStep) error {
	for _, s := range steps {
		ev := engine.ReportEvent(id, s.Report)
		if s.Abandon {
			ev = engine.AbandonEvent(id)
		}
		if !e.Enqueue(ev) {
			return errors.New("intake queue closed")
		}
	}
	e.Stop()
	return e.Run(ctx)
}

func statsOf(entries []tracker.Entry) TraceStats {
	var s TraceStats
	for _, e := range entries {
		s.count(e.Result)
	}
	return s
}

func outputEvaluate(f *OutputFormatter, snap *tracker.Snapshot, result EvaluateResult) error {
	if f.Format == "json" {
		return f.Success(result)
	}

	var b strings.Builder
	b.WriteString(statusText(snap.Status))
	if snap.Abandoned {
		b.WriteString("\nabandoned: true")
	}
	fmt.Fprintf(&b, "\napplied %d, audit %d, rejected %d, abandoned %d",
		result.Stats.Applied, result.Stats.Audit, result.Stats.Rejected, result.Stats.Abandoned)
	if snap.Completion != nil {
		fmt.Fprintf(&b, "\ncompletion: %s (digest %s)", snap.Completion.ExitStatus, snap.Completion.Digest)
	}
	return f.Success(b.String())
}
