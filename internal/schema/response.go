package schema

import (
	"maps"
)

// StepStates holds the latest accepted update per step:
// job id → canonical step key → update.
type StepStates map[string]map[string]JobStepStatusUpdate

// Get returns the update stored for (job, step).
func (s StepStates) Get(job, step string) (JobStepStatusUpdate, bool) {
	steps, ok := s[job]
	if !ok {
		return JobStepStatusUpdate{}, false
	}
	u, ok := steps[step]
	return u, ok
}

// Clone returns a deep copy.
func (s StepStates) Clone() StepStates {
	out := make(StepStates, len(s))
	for job, steps := range s {
		cp := make(map[string]JobStepStatusUpdate, len(steps))
		for step, u := range steps {
			cp[step] = u.Clone()
		}
		out[job] = cp
	}
	return out
}

// Clone returns a deep copy of the update.
func (u JobStepStatusUpdate) Clone() JobStepStatusUpdate {
	return JobStepStatusUpdate{
		Status:   u.Status,
		Metadata: maps.Clone(u.Metadata),
		Outputs:  CloneMap(u.Outputs),
	}
}

// Document renders the update as {status, metadata, outputs}.
func (u JobStepStatusUpdate) Document() map[string]any {
	meta := make(map[string]any, len(u.Metadata))
	for k, v := range u.Metadata {
		meta[k] = v
	}
	return map[string]any{
		"status":   u.Status.String(),
		"metadata": meta,
		"outputs":  nonNilMap(CloneMap(u.Outputs)),
	}
}

// SubmittedDetail renders the submitted response: { id }.
func SubmittedDetail(id string) map[string]any {
	return map[string]any{"id": id}
}

// InProgressDetail renders the in-progress response:
// { id, status_updates: { job: { steps: { step: {status, metadata, outputs} } } } }.
// Only steps that have reported appear.
func InProgressDetail(id string, states StepStates) map[string]any {
	updates := make(map[string]any, len(states))
	for job, steps := range states {
		if len(steps) == 0 {
			continue
		}
		rendered := make(map[string]any, len(steps))
		for step, u := range steps {
			rendered[step] = u.Document()
		}
		updates[job] = map[string]any{"steps": rendered}
	}
	return map[string]any{
		"id":             id,
		"status_updates": updates,
	}
}

// CompleteDetail renders the complete response:
// { id, exit_status, outputs, annotations }.
func CompleteDetail(c PolicyCompletion) map[string]any {
	return map[string]any{
		"id":          c.ID,
		"exit_status": string(c.ExitStatus),
		"outputs":     nonNilMap(CloneMap(c.Outputs)),
		"annotations": nonNilMap(CloneMap(c.Annotations)),
	}
}

// InputValidationErrorDetail renders the input_validation_error response
// { msg, loc, type, url?, input? } for the step that failed.
//
// The failing step's metadata supplies the fields: "msg" (defaulting to a
// generic message), "type" (defaulting to input_validation_error), and the
// optional "url" and "input". loc is always the step's path.
func InputValidationErrorDetail(job, step string, u JobStepStatusUpdate) map[string]any {
	msg := u.Metadata["msg"]
	if msg == "" {
		msg = "step reported an input validation error"
	}
	typ := u.Metadata["type"]
	if typ == "" {
		typ = StatusInputValidationError.String()
	}
	d := map[string]any{
		"msg":  msg,
		"loc":  []any{"jobs", job, "steps", step},
		"type": typ,
	}
	if url := u.Metadata["url"]; url != "" {
		d["url"] = url
	}
	if input, ok := u.Metadata["input"]; ok {
		d["input"] = input
	}
	return d
}
