package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/policyengine/internal/engine"
	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/tracker"
)

// ReportOptions holds flags for the report command.
type ReportOptions struct {
	*RootOptions
	Database    string
	Job         string
	Step        string
	Status      string
	Meta        []string // key=value
	Outputs     string   // JSON or YAML object
	OutputsFile string   // GITHUB_OUTPUT-format file
}

// ReportResult is the outcome of one report.
type ReportResult struct {
	Seq        int64                    `json:"seq"`
	Result     tracker.Result           `json:"result"`
	StepKey    string                   `json:"step_key,omitempty"`
	Status     map[string]any           `json:"status"`
	Completion *schema.PolicyCompletion `json:"completion,omitempty"`
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "report <evaluation-id>",
		Short: "Report a step status",
		Long: `Apply one step status report to a stored evaluation.

The step is addressed by its index in the job or by its declared id.
Outputs may be given inline as a JSON object or read from a file in the
GITHUB_OUTPUT format (key=value lines and key<<DELIM heredocs).

Examples:
  policyengine report 0190a... --db ./policy.db --job build --step 0 --status in_progress
  policyengine report 0190a... --db ./policy.db --job build --step compile --status complete \
      --meta runner=gh-42 --outputs-file ./step-output`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.Job, "job", "", "job id (required)")
	_ = cmd.MarkFlagRequired("job")
	cmd.Flags().StringVar(&opts.Step, "step", "", "step index or declared step id (required)")
	_ = cmd.MarkFlagRequired("step")
	cmd.Flags().StringVar(&opts.Status, "status", "", "step status: submitted|in_progress|complete|input_validation_error (required)")
	_ = cmd.MarkFlagRequired("status")
	cmd.Flags().StringArrayVar(&opts.Meta, "meta", nil, "step metadata as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.Outputs, "outputs", "", "step outputs as a JSON object")
	cmd.Flags().StringVar(&opts.OutputsFile, "outputs-file", "", "read step outputs from a GITHUB_OUTPUT-format file")

	return cmd
}

func runReport(opts *ReportOptions, id string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := commandContext(cmd)

	update, err := opts.buildUpdate()
	if err != nil {
		if len(schema.AsValidationErrors(err)) > 0 {
			return failValidation(f, "invalid update", err)
		}
		return fail(f, ExitCommandError, ErrCodeUsage, "invalid update", err, nil)
	}

	sess, err := openSession(opts.RootOptions, opts.Database, true)
	if err != nil {
		return fail(f, GetExitCode(err), ErrCodeDatabase, "cannot open session", err, nil)
	}
	defer sess.Close()

	r := tracker.Report{JobID: opts.Job, StepID: opts.Step, Update: update}
	var out tracker.Outcome
	err = sess.withEvaluation(ctx, f, id, func(e *engine.Engine) error {
		var rerr error
		out, rerr = e.Report(ctx, id, r)
		return rerr
	})
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return err
		}
		if engine.IsPersistError(err) {
			return fail(f, ExitCommandError, ErrCodeDatabase, "failed to store update", err, nil)
		}
		return failRejected(f, out, err)
	}

	snap, err := sess.engine.Tracker().Status(id)
	if err != nil {
		return fail(f, ExitCommandError, ErrCodeNotFound, "evaluation vanished", err, nil)
	}

	result := ReportResult{
		Seq:        out.Seq,
		Result:     out.Result,
		StepKey:    out.StepKey,
		Status:     statusDocument(snap.Status),
		Completion: out.Completion,
	}
	if f.Format == "json" {
		return f.Success(result)
	}
	text := fmt.Sprintf("seq %d %s %s/%s\n%s", out.Seq, out.Result, opts.Job, opts.Step, statusText(snap.Status))
	if out.Completion != nil {
		text += fmt.Sprintf("\ncompletion: %s (digest %s)", out.Completion.ExitStatus, out.Completion.Digest)
	}
	return f.Success(text)
}

// buildUpdate assembles the update from flags.
func (o *ReportOptions) buildUpdate() (schema.JobStepStatusUpdate, error) {
	u := schema.JobStepStatusUpdate{
		Metadata: map[string]string{},
		Outputs:  map[string]any{},
	}

	status, err := schema.ParseStatus(o.Status)
	if err != nil {
		return u, err
	}
	u.Status = status

	for _, kv := range o.Meta {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return u, fmt.Errorf("--meta %q: expected key=value", kv)
		}
		u.Metadata[key] = value
	}

	if o.Outputs != "" && o.OutputsFile != "" {
		return u, errors.New("--outputs and --outputs-file are mutually exclusive")
	}
	if o.Outputs != "" {
		var outputs map[string]any
		if err := yaml.Unmarshal([]byte(o.Outputs), &outputs); err != nil {
			return u, fmt.Errorf("--outputs: %w", err)
		}
		if outputs != nil {
			u.Outputs = outputs
		}
	}
	if o.OutputsFile != "" {
		data, err := os.ReadFile(o.OutputsFile)
		if err != nil {
			return u, fmt.Errorf("--outputs-file: %w", err)
		}
		outputs, err := schema.ParseStepOutputs(data)
		if err != nil {
			return u, err
		}
		u.Outputs = outputs
	}
	return u, nil
}

// failRejected reports an update the tracker refused. The refusal is
// already part of the evaluation's trace.
func failRejected(f *OutputFormatter, out tracker.Outcome, err error) error {
	var details any
	if errs := schema.AsValidationErrors(err); len(errs) > 0 {
		list := make([]map[string]any, len(errs))
		for i, ve := range errs {
			list[i] = ve.Detail()
		}
		details = list
	}
	return fail(f, ExitFailure, ErrCodeRejected, fmt.Sprintf("update rejected at seq %d", out.Seq), err, details)
}
