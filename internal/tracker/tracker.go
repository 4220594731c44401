package tracker

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/roach88/policyengine/internal/assembler"
	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/validate"
)

// Report is one step status report addressed to an evaluation.
// StepID is either the step's index in its job or its declared id.
type Report struct {
	JobID  string                     `json:"job_id" yaml:"job"`
	StepID string                     `json:"step_id" yaml:"step"`
	Update schema.JobStepStatusUpdate `json:"update" yaml:",inline"`
}

// Outcome describes what a report or abandonment did.
type Outcome struct {
	Seq    int64
	Result Result

	// StepKey is the canonical step id the report resolved to.
	StepKey string

	// Status is the overall evaluation status after the event.
	Status schema.Status

	// Completion is set on exactly one report per evaluation: the one that
	// first drove it to a terminal status.
	Completion *schema.PolicyCompletion
}

// Applied reports whether the report changed stored state.
func (o Outcome) Applied() bool {
	return o.Result == ResultApplied
}

// Tracker owns the lifecycle state of every admitted evaluation.
//
// Thread-safety model:
//   - the registry is guarded by an RWMutex held only for map access;
//   - each evaluation has its own mutex, held only for the in-memory fold;
//   - Status reads an atomically published snapshot and takes no
//     evaluation lock.
//
// The tracker performs no I/O.
type Tracker struct {
	mu    sync.RWMutex
	evals map[string]*evaluation

	clock        *Clock
	ids          IDGenerator
	validateOpts validate.Options
	maxUpdates   int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithIDGenerator sets the evaluation id generator.
// Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(t *Tracker) {
		t.ids = g
	}
}

// WithClock sets the logical clock. Used for recovery to resume from a
// persisted position.
func WithClock(c *Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

// WithValidateOptions sets the admission policy.
func WithValidateOptions(opts validate.Options) Option {
	return func(t *Tracker) {
		t.validateOpts = opts
	}
}

// WithMaxUpdates sets the per-evaluation report quota.
// Zero disables the quota. Default: DefaultMaxUpdates.
func WithMaxUpdates(n int) Option {
	return func(t *Tracker) {
		t.maxUpdates = n
	}
}

// New creates an empty Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		evals:      make(map[string]*evaluation),
		clock:      NewClock(),
		ids:        UUIDv7Generator{},
		maxUpdates: DefaultMaxUpdates,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Clock returns the tracker's logical clock.
func (t *Tracker) Clock() *Clock {
	return t.clock
}

// Submit validates req and admits it as a new evaluation in the submitted
// status. A request that fails validation is never admitted; the
// validation errors are returned unchanged.
func (t *Tracker) Submit(req *schema.PolicyRequest) (schema.PolicyStatus, error) {
	if req == nil {
		return schema.PolicyStatus{}, schema.NewMissingField("request is required")
	}
	admitted, err := validate.Workflow(&req.Workflow, t.validateOpts)
	if err != nil {
		return schema.PolicyStatus{}, err
	}

	id := t.ids.Generate()
	ev := newEvaluation(id, admitted, t.maxUpdates)
	if err := t.register(ev); err != nil {
		return schema.PolicyStatus{}, err
	}

	slog.Info("evaluation submitted",
		"evaluation_id", id,
		"jobs", len(admitted.Workflow.Jobs),
		"steps", len(admitted.Steps),
		"notes", len(admitted.Notes),
	)
	return ev.snap.Load().Status, nil
}

// Update applies one step report. Rules, in order:
//
//  1. an unknown evaluation id is ErrNotFound;
//  2. the reported status must be a public status, and outputs must be
//     representable as canonical JSON;
//  3. a report to a terminal evaluation is recorded for audit and changes
//     nothing;
//  4. the per-evaluation quota is checked; every report to an active
//     evaluation counts against it;
//  5. the job and step must exist in the admitted workflow (InvalidField);
//  6. a step's status never moves to a lower rank, and a terminal step
//     never switches to the other terminal status (CustomError);
//  7. the update is stored; unless the evaluation is abandoned, the
//     overall status is re-aggregated, and the first terminal status
//     assembles the completion.
//
// Every report that reaches an evaluation is stamped with a seq and
// appears in its trace, rejected ones included. A rejected report returns
// its Outcome together with the error.
func (t *Tracker) Update(id string, r Report) (Outcome, error) {
	ev, err := t.lookup(id)
	if err != nil {
		return Outcome{}, err
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	return t.apply(ev, r, t.clock.Next())
}

// apply runs the update rules at the given seq. Caller must hold ev.mu.
func (t *Tracker) apply(ev *evaluation, r Report, seq int64) (Outcome, error) {
	entry := Entry{Seq: seq, JobID: r.JobID, StepID: r.StepID, Status: r.Update.Status.String()}
	out := Outcome{Seq: seq}

	reject := func(err error) (Outcome, error) {
		entry.Result = ResultRejected
		entry.Error = err.Error()
		ev.record(entry)
		ev.publish()

		slog.Warn("update rejected",
			"evaluation_id", ev.id,
			"job_id", r.JobID,
			"step_id", r.StepID,
			"seq", seq,
			"error", err,
		)
		out.Result = ResultRejected
		out.Status = ev.status
		return out, err
	}

	ev.updates++
	var overQuota error
	if !ev.status.IsTerminal() {
		overQuota = ev.quota.Check(ev.id)
	}

	if !r.Update.Status.Valid() {
		return reject(schema.NewCustomError(fmt.Sprintf("%s status is not a valid update", r.Update.Status), "status"))
	}
	if _, err := schema.MarshalCanonical(r.Update.Outputs); err != nil {
		return reject(schema.NewInvalidField(fmt.Sprintf("outputs are not representable: %v", err), "outputs"))
	}

	if ev.status.IsTerminal() {
		entry.Result = ResultAudit
		ev.record(entry)
		ev.publish()

		slog.Debug("update recorded for audit",
			"evaluation_id", ev.id,
			"job_id", r.JobID,
			"step_id", r.StepID,
			"seq", seq,
			"status", ev.status.String(),
		)
		out.Result = ResultAudit
		out.Status = ev.status
		return out, nil
	}

	if overQuota != nil {
		return reject(overQuota)
	}

	if !ev.admitted.HasJob(r.JobID) {
		return reject(schema.NewInvalidField(fmt.Sprintf("unknown job %q", r.JobID), "jobs", r.JobID))
	}
	key, ok := ev.admitted.ResolveStep(r.JobID, r.StepID)
	if !ok {
		return reject(schema.NewInvalidField(fmt.Sprintf("unknown step %q in job %q", r.StepID, r.JobID), "jobs", r.JobID, "steps", r.StepID))
	}
	out.StepKey = key

	prev, had := ev.states.Get(r.JobID, key)
	if had {
		if r.Update.Status.Rank() < prev.Status.Rank() {
			return reject(schema.NewCustomError(
				fmt.Sprintf("step cannot move from %s back to %s", prev.Status, r.Update.Status),
				"jobs", r.JobID, "steps", key, "status"))
		}
		if prev.Status.IsTerminal() && r.Update.Status != prev.Status {
			return reject(schema.NewCustomError(
				fmt.Sprintf("step already reported %s and cannot report %s", prev.Status, r.Update.Status),
				"jobs", r.JobID, "steps", key, "status"))
		}
	}

	steps := ev.states[r.JobID]
	if steps == nil {
		steps = make(map[string]schema.JobStepStatusUpdate)
		ev.states[r.JobID] = steps
	}
	steps[key] = normalizeUpdate(r.Update)

	if !ev.abandoned {
		status, failed := aggregate(ev.admitted.Steps, ev.states)
		if status.IsTerminal() {
			c, err := assembler.Assemble(ev.id, &ev.admitted.Workflow, status, ev.states)
			if err != nil {
				if had {
					steps[key] = prev
				} else {
					delete(steps, key)
				}
				return reject(err)
			}
			ev.completion = &c
			cp := cloneCompletion(c)
			out.Completion = &cp
		}
		ev.status = status
		ev.failed = failed
	}

	entry.StepKey = key
	entry.Result = ResultApplied
	ev.record(entry)
	ev.publish()

	slog.Debug("update applied",
		"evaluation_id", ev.id,
		"job_id", r.JobID,
		"step_id", key,
		"seq", seq,
		"step_status", r.Update.Status.String(),
		"status", ev.status.String(),
	)
	if out.Completion != nil {
		slog.Info("evaluation terminal",
			"evaluation_id", ev.id,
			"status", ev.status.String(),
			"exit_status", string(out.Completion.ExitStatus),
			"seq", seq,
		)
	}

	out.Result = ResultApplied
	out.Status = ev.status
	return out, nil
}

// Abandon marks an evaluation abandoned. Later reports are still stored
// but never aggregated, so no completion is produced. Abandoning an
// evaluation that is already abandoned or terminal changes nothing and
// returns an audit outcome with no seq.
func (t *Tracker) Abandon(id string) (Outcome, error) {
	ev, err := t.lookup(id)
	if err != nil {
		return Outcome{}, err
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()

	if ev.abandoned || ev.status.IsTerminal() {
		return Outcome{Result: ResultAudit, Status: ev.status}, nil
	}
	seq := t.clock.Next()
	t.abandon(ev, seq)
	return Outcome{Seq: seq, Result: ResultAbandoned, Status: ev.status}, nil
}

// abandon sets the flag at seq. Caller must hold ev.mu.
func (t *Tracker) abandon(ev *evaluation, seq int64) {
	ev.abandoned = true
	ev.record(Entry{Seq: seq, Result: ResultAbandoned})
	ev.publish()

	slog.Info("evaluation abandoned",
		"evaluation_id", ev.id,
		"seq", seq,
		"status", ev.status.String(),
	)
}

// Status returns the latest snapshot of an evaluation.
// The snapshot is shared and must not be modified.
func (t *Tracker) Status(id string) (*Snapshot, error) {
	ev, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	return ev.snap.Load(), nil
}

// Completion returns the completion record of an evaluation, or nil if it
// has not reached a terminal status.
func (t *Tracker) Completion(id string) (*schema.PolicyCompletion, error) {
	snap, err := t.Status(id)
	if err != nil {
		return nil, err
	}
	if snap.Completion == nil {
		return nil, nil
	}
	c := cloneCompletion(*snap.Completion)
	return &c, nil
}

// Trace returns every event the evaluation received, in seq order.
func (t *Tracker) Trace(id string) ([]Entry, error) {
	ev, err := t.lookup(id)
	if err != nil {
		return nil, err
	}
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return slices.Clone(ev.trace), nil
}

// Release removes a terminal or abandoned evaluation from the tracker and
// returns its final snapshot. Active evaluations return ErrActive.
func (t *Tracker) Release(id string) (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ev, ok := t.evals[id]
	if !ok {
		return nil, notFound(id)
	}
	snap := ev.snap.Load()
	if !snap.Status.Status.IsTerminal() && !snap.Abandoned {
		return nil, fmt.Errorf("%w: %s is %s", ErrActive, id, snap.Status.Status)
	}
	delete(t.evals, id)

	slog.Debug("evaluation released", "evaluation_id", id)
	return snap, nil
}

// IDs returns the registered evaluation ids in lexical order.
func (t *Tracker) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.evals))
	for id := range t.evals {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (t *Tracker) lookup(id string) (*evaluation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ev, ok := t.evals[id]
	if !ok {
		return nil, notFound(id)
	}
	return ev, nil
}

func (t *Tracker) register(ev *evaluation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.evals[ev.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, ev.id)
	}
	t.evals[ev.id] = ev
	return nil
}

// normalizeUpdate deep-copies u and replaces nil maps with empty ones.
func normalizeUpdate(u schema.JobStepStatusUpdate) schema.JobStepStatusUpdate {
	u = u.Clone()
	if u.Metadata == nil {
		u.Metadata = map[string]string{}
	}
	if u.Outputs == nil {
		u.Outputs = map[string]any{}
	}
	return u
}
