// Package testutil holds fixtures shared by tests across packages.
package testutil

import (
	"github.com/roach88/policyengine/internal/schema"
)

// Uses returns an executable step that references an action.
func Uses(ref string) schema.WorkflowJobStep {
	return schema.WorkflowJobStep{
		Uses: schema.Ptr(ref),
		With: map[string]string{},
		Env:  map[string]string{},
	}
}

// Run returns an executable step with an inline script.
func Run(script string) schema.WorkflowJobStep {
	return schema.WorkflowJobStep{
		Run:  schema.Ptr(script),
		With: map[string]string{},
		Env:  map[string]string{},
	}
}

// Job returns a job on ubuntu-latest with the given steps.
func Job(steps ...schema.WorkflowJobStep) schema.WorkflowJob {
	return schema.WorkflowJob{RunsOn: "ubuntu-latest", Steps: steps}
}

// Workflow returns a push-triggered workflow. jobs alternates job ids and
// jobs; declaration order follows the argument order.
//
//	Workflow("lint", Job(Uses("actions/checkout@v4")), "test", Job(Run("make test")))
func Workflow(jobs ...any) schema.Workflow {
	wf := schema.Workflow{On: "push", Jobs: map[string]schema.WorkflowJob{}}
	for i := 0; i+1 < len(jobs); i += 2 {
		id := jobs[i].(string)
		wf.Jobs[id] = jobs[i+1].(schema.WorkflowJob)
		wf.JobOrder = append(wf.JobOrder, id)
	}
	return wf
}

// LintWorkflow is a single job "lint" with one checkout step.
func LintWorkflow() schema.Workflow {
	return Workflow("lint", Job(Uses("actions/checkout@v4")))
}

// TwoJobWorkflow has jobs "build" and "test", one step each.
func TwoJobWorkflow() schema.Workflow {
	return Workflow(
		"build", Job(Run("make build")),
		"test", Job(Run("make test")),
	)
}

// Request wraps wf in a request with empty inputs, context and stack.
func Request(wf schema.Workflow) *schema.PolicyRequest {
	return &schema.PolicyRequest{
		Inputs:   map[string]any{},
		Workflow: wf,
		Context:  map[string]any{},
		Stack:    map[string]any{},
	}
}

// Update returns a step update with empty metadata and outputs.
func Update(status schema.Status) schema.JobStepStatusUpdate {
	return schema.JobStepStatusUpdate{
		Status:   status,
		Metadata: map[string]string{},
		Outputs:  map[string]any{},
	}
}
