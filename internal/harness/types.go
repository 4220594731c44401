package harness

import "github.com/roach88/policyengine/internal/schema"

// Event types recorded in a scenario trace.
const (
	EventReport  = "report"
	EventAbandon = "abandon"
)

// TraceEvent is one report or abandonment and what the engine did with it.
type TraceEvent struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq"`
	JobID   string `json:"job_id,omitempty"`
	StepID  string `json:"step_id,omitempty"`
	StepKey string `json:"step_key,omitempty"`
	Status  string `json:"status,omitempty"` // reported step status
	Result  string `json:"result"`
	Overall string `json:"overall"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held and the
	// replayed evaluation matched the original.
	Pass bool `json:"pass"`

	EvaluationID string `json:"evaluation_id"`

	// Trace contains every event in the order it was applied.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Status is the final overall status.
	Status string `json:"status"`

	// Completion is set once the evaluation reached a terminal status.
	Completion *schema.PolicyCompletion `json:"completion,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
