// Package assembler folds accumulated step states into the terminal
// completion record of an evaluation.
//
// Assembly is read-only: the caller's step states are never mutated and
// the returned completion shares no maps with them.
package assembler

import (
	"fmt"

	"github.com/roach88/policyengine/internal/schema"
)

// Assemble builds the completion record for evaluation id.
//
// Outputs are merged in declared job order, then step order within each
// job; on key collision the later declared step wins, regardless of the
// order in which updates arrived. Annotations carry each reported step's
// metadata as {job-id: {step-id: metadata}}. exit_status is success iff
// terminal is complete. The record is stamped with its digest.
//
// Steps absent from wf are ignored. A non-terminal status is a CustomError.
func Assemble(id string, wf *schema.Workflow, terminal schema.Status, steps schema.StepStates) (schema.PolicyCompletion, error) {
	if id == "" {
		return schema.PolicyCompletion{}, schema.NewMissingField("id is required and cannot be empty", "id")
	}
	if !terminal.IsTerminal() {
		return schema.PolicyCompletion{}, schema.NewCustomError(
			fmt.Sprintf("cannot assemble a completion for %s status", terminal), "status")
	}

	exit := schema.ExitFailure
	if terminal == schema.StatusComplete {
		exit = schema.ExitSuccess
	}

	outputs := map[string]any{}
	annotations := map[string]any{}
	for _, jobID := range wf.OrderedJobIDs() {
		job := wf.Jobs[jobID]
		jobNotes := map[string]any{}
		for i := range job.Steps {
			key := schema.StepKey(i)
			u, ok := steps.Get(jobID, key)
			if !ok {
				continue
			}
			for k, v := range u.Outputs {
				outputs[k] = schema.CloneValue(v)
			}
			meta := make(map[string]any, len(u.Metadata))
			for k, v := range u.Metadata {
				meta[k] = v
			}
			jobNotes[key] = meta
		}
		if len(jobNotes) > 0 {
			annotations[jobID] = jobNotes
		}
	}

	c := schema.PolicyCompletion{
		ID:          id,
		ExitStatus:  exit,
		Outputs:     outputs,
		Annotations: annotations,
	}
	digest, err := schema.CompletionDigest(c)
	if err != nil {
		return schema.PolicyCompletion{}, fmt.Errorf("assemble %s: %w", id, err)
	}
	c.Digest = digest
	return c, nil
}
