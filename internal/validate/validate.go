// Package validate decides whether a parsed workflow is admissible for
// evaluation.
//
// Validation is a pure function of the workflow and Options: it never
// mutates its input, never resolves runners and never evaluates guard
// expressions. Every violation is collected and returned together.
package validate

import (
	"fmt"
	"regexp"

	"github.com/roach88/policyengine/internal/schema"
)

// identPattern is the shape of strict job ids and of step ids.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Options tunes validation policy.
type Options struct {
	// Strict rejects an empty job set and job ids that are not identifiers.
	Strict bool

	// AllowNonExecutableSteps downgrades a step with neither uses nor run
	// from an InvalidField error to a Note.
	AllowNonExecutableSteps bool
}

// StepRef names one expected step.
type StepRef struct {
	JobID string

	// Key is the canonical step id: the step's index in its job.
	Key string

	// Alias is the step's declared id, if any.
	Alias string
}

// Note is a non-fatal finding attached to an admitted workflow.
type Note struct {
	Loc     []string `json:"loc"`
	Message string   `json:"msg"`
}

// Result is an admitted workflow.
type Result struct {
	// Workflow is a private deep copy of the validated input.
	Workflow schema.Workflow

	// Steps is the expected step set in declared job then step order.
	Steps []StepRef

	Notes []Note

	aliases map[string]map[string]string
}

// ResolveStep maps a reported step id to its canonical key. Both the
// decimal index and the declared id are accepted.
func (r *Result) ResolveStep(jobID, stepID string) (string, bool) {
	aliases, ok := r.aliases[jobID]
	if !ok {
		return "", false
	}
	key, ok := aliases[stepID]
	return key, ok
}

// HasJob reports whether jobID is declared.
func (r *Result) HasJob(jobID string) bool {
	_, ok := r.Workflow.Jobs[jobID]
	return ok
}

// Workflow validates wf under opts.
// Returns all errors found (does not fail-fast) as schema.ValidationErrors.
func Workflow(wf *schema.Workflow, opts Options) (*Result, error) {
	if wf == nil {
		return nil, schema.NewMissingField("workflow is required", "workflow")
	}

	var errs schema.ValidationErrors
	res := &Result{
		Workflow: wf.Clone(),
		aliases:  make(map[string]map[string]string, len(wf.Jobs)),
	}

	if len(wf.Jobs) == 0 && opts.Strict {
		errs = append(errs, schema.NewCustomError("workflow declares no jobs", "workflow", "jobs"))
	}

	for _, jobID := range res.Workflow.OrderedJobIDs() {
		job := res.Workflow.Jobs[jobID]
		loc := []string{"workflow", "jobs", jobID}

		if jobID == "" {
			errs = append(errs, schema.NewInvalidField("job id must be non-empty", loc...))
		} else if opts.Strict && !identPattern.MatchString(jobID) {
			errs = append(errs, schema.NewInvalidField(
				fmt.Sprintf("job id %q must start with a letter or '_' and contain only alphanumerics, '-' or '_'", jobID),
				loc...).WithInput(jobID))
		}

		if err := checkRunsOn(job.RunsOn, append(loc, "runs-on")); err != nil {
			errs = append(errs, err)
		}

		aliases := make(map[string]string, 2*len(job.Steps))
		for i, step := range job.Steps {
			key := schema.StepKey(i)
			stepLoc := append(append([]string{}, loc...), "steps", key)
			ref := StepRef{JobID: jobID, Key: key}
			aliases[key] = key

			switch {
			case step.HasUses() && step.HasRun():
				errs = append(errs, schema.NewInvalidField("step sets both uses and run; exactly one action is allowed", stepLoc...))
			case !step.HasUses() && !step.HasRun():
				if opts.AllowNonExecutableSteps {
					res.Notes = append(res.Notes, Note{Loc: stepLoc, Message: "step has neither uses nor run and is not executable"})
				} else {
					errs = append(errs, schema.NewInvalidField("step has neither uses nor run", stepLoc...))
				}
			}

			if step.ID != nil {
				id := *step.ID
				idLoc := append(append([]string{}, stepLoc...), "id")
				switch {
				case !identPattern.MatchString(id):
					errs = append(errs, schema.NewInvalidField(
						fmt.Sprintf("step id %q must start with a letter or '_' and contain only alphanumerics, '-' or '_'", id),
						idLoc...).WithInput(id))
				case aliases[id] != "":
					errs = append(errs, schema.NewInvalidField(fmt.Sprintf("duplicate step id %q", id), idLoc...).WithInput(id))
				default:
					aliases[id] = key
					ref.Alias = id
				}
			}

			res.Steps = append(res.Steps, ref)
		}
		res.aliases[jobID] = aliases
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return res, nil
}

// checkRunsOn accepts a label, a non-empty list of labels, or a mapping
// such as {group, labels}.
func checkRunsOn(v any, loc []string) *schema.ValidationError {
	switch val := v.(type) {
	case nil:
		return schema.NewMissingField("runs-on is required", loc...)
	case string:
		if val == "" {
			return schema.NewInvalidField("runs-on label must be non-empty", loc...).WithInput(val)
		}
		return nil
	case []string:
		return checkLabels(len(val), func(i int) any { return val[i] }, loc)
	case []any:
		return checkLabels(len(val), func(i int) any { return val[i] }, loc)
	case map[string]any, map[string]string:
		return nil
	default:
		return schema.NewInvalidField("runs-on must be a label, a list of labels or a mapping", loc...).WithInput(v)
	}
}

func checkLabels(n int, at func(int) any, loc []string) *schema.ValidationError {
	if n == 0 {
		return schema.NewInvalidField("runs-on list must be non-empty", loc...)
	}
	for i := range n {
		if s, ok := at(i).(string); !ok || s == "" {
			return schema.NewInvalidField("runs-on labels must be non-empty strings", append(loc, fmt.Sprint(i))...).WithInput(at(i))
		}
	}
	return nil
}
