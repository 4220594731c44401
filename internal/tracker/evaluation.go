package tracker

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/validate"
)

// Result classifies what happened to a report.
type Result string

const (
	// ResultApplied means the report changed stored step state.
	ResultApplied Result = "applied"

	// ResultAudit means the evaluation was already terminal; the report was
	// recorded but changed nothing.
	ResultAudit Result = "audit"

	// ResultRejected means the report failed a rule and changed nothing.
	ResultRejected Result = "rejected"

	// ResultAbandoned marks the abandonment event itself in the trace.
	ResultAbandoned Result = "abandoned"
)

// Entry is one line of an evaluation's trace.
type Entry struct {
	Seq     int64  `json:"seq"`
	JobID   string `json:"job_id,omitempty"`
	StepID  string `json:"step_id,omitempty"`
	StepKey string `json:"step_key,omitempty"`
	Status  string `json:"status,omitempty"` // reported status, as received
	Result  Result `json:"result"`
	Error   string `json:"error,omitempty"`

	// Overall is the evaluation status after the entry.
	Overall schema.Status `json:"overall"`
}

// Snapshot is an immutable, consistent view of one evaluation.
// Snapshots are published atomically after every change; readers never
// block writers.
type Snapshot struct {
	Status     schema.PolicyStatus
	Abandoned  bool
	Steps      schema.StepStates
	Completion *schema.PolicyCompletion
	Notes      []validate.Note

	// Updates counts reports received, including audited and rejected ones.
	Updates int

	// Seq is the last seq applied to the evaluation.
	Seq int64
}

// evaluation is the mutable state of one admitted request.
// mu serializes every mutation; snap is the lock-free read path.
type evaluation struct {
	id       string
	admitted *validate.Result

	mu         sync.Mutex
	states     schema.StepStates
	status     schema.Status
	failed     *validate.StepRef
	abandoned  bool
	completion *schema.PolicyCompletion
	quota      *QuotaEnforcer
	updates    int
	trace      []Entry
	lastSeq    int64

	snap atomic.Pointer[Snapshot]
}

func newEvaluation(id string, admitted *validate.Result, maxUpdates int) *evaluation {
	ev := &evaluation{
		id:       id,
		admitted: admitted,
		states:   make(schema.StepStates, len(admitted.Workflow.Jobs)),
		status:   schema.StatusSubmitted,
		quota:    NewQuotaEnforcer(maxUpdates),
	}
	ev.publish()
	return ev
}

// publish renders the current state into a fresh snapshot.
// Caller must hold mu (or own ev exclusively).
func (ev *evaluation) publish() {
	var detail map[string]any
	switch ev.status {
	case schema.StatusSubmitted:
		detail = schema.SubmittedDetail(ev.id)
	case schema.StatusInProgress:
		detail = schema.InProgressDetail(ev.id, ev.states)
	case schema.StatusComplete:
		detail = schema.CompleteDetail(*ev.completion)
	case schema.StatusInputValidationError:
		u, _ := ev.states.Get(ev.failed.JobID, ev.failed.Key)
		detail = schema.InputValidationErrorDetail(ev.failed.JobID, ev.failed.Key, u)
	}

	snap := &Snapshot{
		Status:    schema.MustPolicyStatus(ev.id, ev.status, detail),
		Abandoned: ev.abandoned,
		Steps:     ev.states.Clone(),
		Notes:     slices.Clone(ev.admitted.Notes),
		Updates:   ev.updates,
		Seq:       ev.lastSeq,
	}
	if ev.completion != nil {
		c := cloneCompletion(*ev.completion)
		snap.Completion = &c
	}
	ev.snap.Store(snap)
}

func (ev *evaluation) record(e Entry) {
	e.Overall = ev.status
	ev.trace = append(ev.trace, e)
	ev.lastSeq = e.Seq
}

func cloneCompletion(c schema.PolicyCompletion) schema.PolicyCompletion {
	return schema.PolicyCompletion{
		ID:          c.ID,
		ExitStatus:  c.ExitStatus,
		Outputs:     schema.CloneMap(c.Outputs),
		Annotations: schema.CloneMap(c.Annotations),
		Digest:      c.Digest,
	}
}
