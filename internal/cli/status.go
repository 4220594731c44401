package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/policyengine/internal/engine"
	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/tracker"
)

// StatusOptions holds flags for the status and abandon commands.
type StatusOptions struct {
	*RootOptions
	Database string
}

// StatusResult is an evaluation's current state.
type StatusResult struct {
	Status     map[string]any           `json:"status"`
	Abandoned  bool                     `json:"abandoned"`
	Updates    int                      `json:"updates"`
	Seq        int64                    `json:"seq"`
	Completion *schema.PolicyCompletion `json:"completion,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status <evaluation-id>",
		Short: "Show an evaluation's status",
		Long: `Rebuild a stored evaluation and print its status response.

Example:
  policyengine status 0190a... --db ./policy.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	return cmd
}

func runStatus(opts *StatusOptions, id string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	sess, err := openSession(opts.RootOptions, opts.Database, true)
	if err != nil {
		return fail(f, GetExitCode(err), ErrCodeDatabase, "cannot open session", err, nil)
	}
	defer sess.Close()

	if err := sess.load(commandContext(cmd), f, id); err != nil {
		return err
	}
	snap, err := sess.engine.Tracker().Status(id)
	if err != nil {
		return fail(f, ExitCommandError, ErrCodeNotFound, "evaluation vanished", err, nil)
	}
	return outputSnapshot(f, snap)
}

func outputSnapshot(f *OutputFormatter, snap *tracker.Snapshot) error {
	if f.Format == "json" {
		return f.Success(StatusResult{
			Status:     statusDocument(snap.Status),
			Abandoned:  snap.Abandoned,
			Updates:    snap.Updates,
			Seq:        snap.Seq,
			Completion: snap.Completion,
		})
	}

	text := statusText(snap.Status)
	if snap.Abandoned {
		text += "\nabandoned: true"
	}
	text += fmt.Sprintf("\nupdates: %d", snap.Updates)
	if snap.Completion != nil {
		text += fmt.Sprintf("\ncompletion: %s (digest %s)", snap.Completion.ExitStatus, snap.Completion.Digest)
	}
	return f.Success(text)
}

// NewAbandonCommand creates the abandon command.
func NewAbandonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "abandon <evaluation-id>",
		Short: "Abandon an evaluation",
		Long: `Mark an evaluation abandoned. Later reports are still recorded but no
longer change its status, and no completion is produced. Abandoning a
terminal or already abandoned evaluation changes nothing.

Example:
  policyengine abandon 0190a... --db ./policy.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAbandon(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	return cmd
}

func runAbandon(opts *StatusOptions, id string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := commandContext(cmd)

	sess, err := openSession(opts.RootOptions, opts.Database, true)
	if err != nil {
		return fail(f, GetExitCode(err), ErrCodeDatabase, "cannot open session", err, nil)
	}
	defer sess.Close()

	var out tracker.Outcome
	err = sess.withEvaluation(ctx, f, id, func(e *engine.Engine) error {
		var aerr error
		out, aerr = e.Abandon(ctx, id)
		return aerr
	})
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return err
		}
		if engine.IsPersistError(err) {
			return fail(f, ExitCommandError, ErrCodeDatabase, "failed to store abandonment", err, nil)
		}
		return fail(f, ExitCommandError, ErrCodeNotFound, "cannot abandon", err, nil)
	}
	if out.Result != tracker.ResultAbandoned {
		f.VerboseLog("evaluation %s is already %s; nothing changed", id, out.Status)
	}

	snap, err := sess.engine.Tracker().Status(id)
	if err != nil {
		return fail(f, ExitCommandError, ErrCodeNotFound, "evaluation vanished", err, nil)
	}
	return outputSnapshot(f, snap)
}
