package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/policyengine/internal/config"
	"github.com/roach88/policyengine/internal/engine"
	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/store"
	"github.com/roach88/policyengine/internal/tracker"
)

// Harness is the test execution engine. It drives a real engine backed
// by an in-memory store with a fixed evaluation id.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	cfg    *config.Config
	logger *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
//  1. Create fresh in-memory database and engine
//  2. Submit the request
//  3. Apply flow steps, validating expect clauses
//  4. Rebuild the evaluation from the store and compare traces
//  5. Evaluate assertions
//
// Returns an error only when the scenario cannot be executed at all.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	cfg, err := config.Load(scenario.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	h := &Harness{
		store:  st,
		engine: newEngine(st, cfg, scenario.EvaluationID),
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	ctx := context.Background()

	data, err := scenario.RequestBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	req, err := schema.DecodeRequest(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	ps, err := h.engine.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("request refused: %w", err)
	}

	result := NewResult()
	result.EvaluationID = ps.ID

	if err := h.executeFlow(ctx, ps.ID, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	snap, err := h.engine.Tracker().Status(ps.ID)
	if err != nil {
		return nil, err
	}
	result.Status = snap.Status.Status.String()
	result.Completion = snap.Completion

	if err := h.verifyReplay(ctx, ps.ID, result); err != nil {
		return nil, fmt.Errorf("failed to replay evaluation: %w", err)
	}

	actx := &AssertionContext{
		Store: st,
		Ctx:   ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func newEngine(st *store.Store, cfg *config.Config, id string) *engine.Engine {
	opts := append(cfg.TrackerOptions(), tracker.WithIDGenerator(tracker.NewFixedGenerator(id)))
	return engine.New(
		engine.WithStore(st),
		engine.WithTracker(tracker.New(opts...)),
	)
}

// executeFlow applies every flow step and validates expect clauses.
// Rejections are expected outcomes, not execution failures; only store
// errors stop the flow.
func (h *Harness) executeFlow(ctx context.Context, id string, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		var (
			out tracker.Outcome
			err error
			ev  TraceEvent
		)
		if step.Abandon {
			out, err = h.engine.Abandon(ctx, id)
			ev = TraceEvent{Type: EventAbandon}
		} else {
			out, err = h.engine.Report(ctx, id, step.Report)
			ev = TraceEvent{
				Type:    EventReport,
				JobID:   step.JobID,
				StepID:  step.StepID,
				StepKey: out.StepKey,
				Status:  step.Update.Status.String(),
			}
			if !out.Applied() {
				ev.StepKey = ""
			}
		}
		if engine.IsPersistError(err) {
			return fmt.Errorf("flow step %d: %w", i, err)
		}
		ev.Seq = out.Seq
		ev.Result = string(out.Result)
		ev.Overall = out.Status.String()
		if err != nil {
			ev.Error = err.Error()
		}
		result.AddTrace(ev)

		h.logger.Info("flow step applied",
			"step", i,
			"seq", out.Seq,
			"result", ev.Result,
			"overall", ev.Overall,
		)

		if step.Expect != nil {
			checkExpect(i, step.Expect, ev, result)
		}
	}
	return nil
}

func checkExpect(index int, want *ExpectClause, got TraceEvent, result *Result) {
	if got.Result != want.Result {
		result.AddError(fmt.Sprintf("flow[%d]: expected result %s, got %s (%s)", index, want.Result, got.Result, got.Error))
	}
	if want.Overall != "" && got.Overall != want.Overall {
		result.AddError(fmt.Sprintf("flow[%d]: expected overall %s, got %s", index, want.Overall, got.Overall))
	}
	if want.Error != "" && !strings.Contains(got.Error, want.Error) {
		result.AddError(fmt.Sprintf("flow[%d]: expected error containing %q, got %q", index, want.Error, got.Error))
	}
}

// verifyReplay rebuilds the evaluation from the store in a fresh engine
// and checks that its trace and completion match the live run.
func (h *Harness) verifyReplay(ctx context.Context, id string, result *Result) error {
	replay := newEngine(h.store, h.cfg, id)
	if err := replay.Load(ctx, id); err != nil {
		return err
	}

	want, err := h.engine.Tracker().Trace(id)
	if err != nil {
		return err
	}
	got, err := replay.Tracker().Trace(id)
	if err != nil {
		return err
	}
	if len(want) != len(got) {
		result.AddError(fmt.Sprintf("replay: %d trace entries, want %d", len(got), len(want)))
		return nil
	}
	for i := range want {
		w, g := want[i], got[i]
		if w.Seq != g.Seq || w.Result != g.Result || w.Overall != g.Overall {
			result.AddError(fmt.Sprintf("replay: entry %d is seq %d %s -> %s, want seq %d %s -> %s",
				i, g.Seq, g.Result, g.Overall, w.Seq, w.Result, w.Overall))
		}
	}

	wantC, err := h.engine.Tracker().Completion(id)
	if err != nil {
		return err
	}
	gotC, err := replay.Tracker().Completion(id)
	if err != nil {
		return err
	}
	switch {
	case (wantC == nil) != (gotC == nil):
		result.AddError(fmt.Sprintf("replay: completion present %t, want %t", gotC != nil, wantC != nil))
	case wantC != nil && wantC.Digest != gotC.Digest:
		result.AddError(fmt.Sprintf("replay: completion digest %s, want %s", gotC.Digest, wantC.Digest))
	}
	return nil
}
