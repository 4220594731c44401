package schema

import (
	"maps"
	"slices"
	"strconv"
)

// PolicyRequest is one evaluation submission.
type PolicyRequest struct {
	Inputs   map[string]any `json:"inputs"`
	Workflow Workflow       `json:"workflow"`
	Context  map[string]any `json:"context"`
	Stack    map[string]any `json:"stack"`
}

// Workflow is the CI-style job graph under evaluation.
type Workflow struct {
	Name *string                `json:"name,omitempty"`
	On   any                    `json:"on"`
	Jobs map[string]WorkflowJob `json:"jobs"`

	// JobOrder is the declaration order of Jobs when the source document
	// preserved it. Use OrderedJobIDs rather than reading it directly.
	JobOrder []string `json:"-"`
}

// WorkflowJob is one job in the graph.
type WorkflowJob struct {
	// RunsOn is a single label, an ordered list of labels, or a
	// {group, labels} mapping. It is not resolved against any runner pool.
	RunsOn any               `json:"runs-on"`
	Steps  []WorkflowJobStep `json:"steps,omitempty"`
}

// WorkflowJobStep is one step in a job. Sequence order is evaluation order.
type WorkflowJobStep struct {
	ID    *string           `json:"id,omitempty"`
	If    *string           `json:"if,omitempty"`
	Name  *string           `json:"name,omitempty"`
	Uses  *string           `json:"uses,omitempty"`
	Shell *string           `json:"shell,omitempty"`
	With  map[string]string `json:"with"`
	Env   map[string]string `json:"env"`
	Run   *string           `json:"run,omitempty"`
}

// JobStepStatusUpdate is one step's progress report.
type JobStepStatusUpdate struct {
	Status   Status            `json:"status" yaml:"status"`
	Metadata map[string]string `json:"metadata" yaml:"metadata"`
	Outputs  map[string]any    `json:"outputs" yaml:"outputs"`
}

// PolicyCompletion is the terminal record handed to the notary layer.
type PolicyCompletion struct {
	ID          string         `json:"id"`
	ExitStatus  ExitStatus     `json:"exit_status"`
	Outputs     map[string]any `json:"outputs"`
	Annotations map[string]any `json:"annotations"`

	// Digest is the domain-separated SHA-256 of the canonical record
	// (id, exit_status, outputs, annotations).
	Digest string `json:"digest,omitempty"`
}

// OrderedJobIDs returns job ids in declaration order.
// Falls back to lexical order when JobOrder does not describe exactly the
// job set (e.g. a Workflow built in code).
func (w *Workflow) OrderedJobIDs() []string {
	if len(w.JobOrder) == len(w.Jobs) {
		seen := make(map[string]bool, len(w.JobOrder))
		ok := true
		for _, id := range w.JobOrder {
			if _, exists := w.Jobs[id]; !exists || seen[id] {
				ok = false
				break
			}
			seen[id] = true
		}
		if ok {
			return slices.Clone(w.JobOrder)
		}
	}
	ids := slices.Collect(maps.Keys(w.Jobs))
	slices.Sort(ids)
	return ids
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() Workflow {
	out := Workflow{
		Name:     cloneStringPtr(w.Name),
		On:       CloneValue(w.On),
		JobOrder: slices.Clone(w.JobOrder),
	}
	if w.Jobs != nil {
		out.Jobs = make(map[string]WorkflowJob, len(w.Jobs))
		for id, job := range w.Jobs {
			out.Jobs[id] = job.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the job.
func (j WorkflowJob) Clone() WorkflowJob {
	out := WorkflowJob{RunsOn: CloneValue(j.RunsOn)}
	if j.Steps != nil {
		out.Steps = make([]WorkflowJobStep, len(j.Steps))
		for i, s := range j.Steps {
			out.Steps[i] = s.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the step.
func (s WorkflowJobStep) Clone() WorkflowJobStep {
	return WorkflowJobStep{
		ID:    cloneStringPtr(s.ID),
		If:    cloneStringPtr(s.If),
		Name:  cloneStringPtr(s.Name),
		Uses:  cloneStringPtr(s.Uses),
		Shell: cloneStringPtr(s.Shell),
		With:  maps.Clone(s.With),
		Env:   maps.Clone(s.Env),
		Run:   cloneStringPtr(s.Run),
	}
}

// HasUses reports whether the step references an action.
func (s WorkflowJobStep) HasUses() bool { return s.Uses != nil && *s.Uses != "" }

// HasRun reports whether the step carries an inline script.
func (s WorkflowJobStep) HasRun() bool { return s.Run != nil && *s.Run != "" }

// StepKey is the canonical id of the step at index i: its decimal index.
func StepKey(i int) string {
	return strconv.Itoa(i)
}

// Ptr returns a pointer to v. Handy for optional fields.
func Ptr[T any](v T) *T {
	return &v
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// CloneValue deep-copies a structured value made of maps, slices and scalars.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case map[string]string:
		return maps.Clone(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = CloneValue(elem)
		}
		return out
	case []string:
		return slices.Clone(val)
	default:
		return val
	}
}

// CloneMap deep-copies a structured mapping. A nil map stays nil.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}
