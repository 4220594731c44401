package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/policyengine/internal/engine"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Database string
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <request-file>",
		Short: "Admit a request as a new evaluation",
		Long: `Validate a request and admit it as a new evaluation in the submitted
status. The evaluation id is printed; pass it to report, status, abandon
and trace.

Example:
  policyengine submit request.yaml --db ./policy.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")

	return cmd
}

func runSubmit(opts *SubmitOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	req, err := loadRequest(f, path)
	if err != nil {
		return err
	}

	sess, err := openSession(opts.RootOptions, opts.Database, true)
	if err != nil {
		return fail(f, GetExitCode(err), ErrCodeDatabase, "cannot open session", err, nil)
	}
	defer sess.Close()

	ps, err := sess.engine.Submit(commandContext(cmd), req)
	if err != nil {
		if engine.IsPersistError(err) {
			return fail(f, ExitCommandError, ErrCodeDatabase, "failed to store evaluation", err, nil)
		}
		return failValidation(f, "request refused", err)
	}

	f.VerboseLog("submitted evaluation %s", ps.ID)
	return outputStatus(f, ps)
}
