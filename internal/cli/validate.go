package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/policyengine/internal/validate"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid bool            `json:"valid"`
	Jobs  int             `json:"jobs"`
	Steps int             `json:"steps"`
	Notes []validate.Note `json:"notes,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <request-file>",
		Short: "Validate a request without submitting it",
		Long: `Decode a YAML or JSON request document and validate its workflow.

Every problem found is reported, each with the path to the offending
field. Nothing is stored.

Examples:
  policyengine validate request.yaml
  policyengine validate request.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, err := opts.resolveConfig()
	if err != nil {
		return fail(f, ExitCommandError, ErrCodeUsage, "failed to load config", err, nil)
	}

	req, err := loadRequest(f, path)
	if err != nil {
		return err
	}

	res, err := validate.Workflow(&req.Workflow, cfg.ValidateOptions())
	if err != nil {
		return failValidation(f, "workflow is invalid", err)
	}

	result := ValidationResult{
		Valid: true,
		Jobs:  len(res.Workflow.Jobs),
		Steps: len(res.Steps),
		Notes: res.Notes,
	}
	f.VerboseLog("validated %s: %d job(s), %d step(s)", path, result.Jobs, result.Steps)

	if f.Format == "json" {
		return f.Success(result)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "✓ request valid (%d job(s), %d step(s))", result.Jobs, result.Steps)
	for _, n := range result.Notes {
		fmt.Fprintf(&b, "\n  note: %s: %s", strings.Join(n.Loc, "."), n.Message)
	}
	return f.Success(b.String())
}
