package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/policyengine/internal/metrics"
	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/store"
	"github.com/roach88/policyengine/internal/tracker"
)

// Engine wires the tracker to its collaborators: the store, metrics and
// an asynchronous intake queue.
//
// Thread-safety model:
//   - Submit, Report and Abandon: safe from any goroutine
//   - Enqueue: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//
// The tracker is never locked across a store write. Writes are keyed by
// seq, so concurrent reporters may persist out of order without changing
// what a later replay sees.
type Engine struct {
	tracker *tracker.Tracker
	store   *store.Store
	metrics *metrics.Metrics
	queue   *eventQueue
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists every event to s. Without a store the engine is
// in-memory only.
func WithStore(s *store.Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// WithMetrics records lifecycle events on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracker uses t instead of a default tracker.
func WithTracker(t *tracker.Tracker) Option {
	return func(e *Engine) {
		e.tracker = t
	}
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{queue: newEventQueue()}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracker == nil {
		e.tracker = tracker.New()
	}
	return e
}

// Tracker returns the engine's tracker for read access.
func (e *Engine) Tracker() *tracker.Tracker {
	return e.tracker
}

// Submit admits req and records it in the store.
// A request that fails validation is never admitted or stored.
func (e *Engine) Submit(ctx context.Context, req *schema.PolicyRequest) (schema.PolicyStatus, error) {
	ps, err := e.tracker.Submit(req)
	if err != nil {
		e.metrics.Refused()
		return ps, err
	}
	e.metrics.Submitted()

	if e.store != nil {
		if err := e.store.WriteEvaluation(ctx, ps.ID, req); err != nil {
			e.metrics.PersistError()
			return ps, &PersistError{Op: "evaluation", EvaluationID: ps.ID, Err: err}
		}
	}
	return ps, nil
}

// Report applies one step report and records it.
//
// The Outcome and error are the tracker's. A store failure is returned
// as a *PersistError in place of the tracker's error; the Outcome still
// describes what the tracker did.
func (e *Engine) Report(ctx context.Context, id string, r tracker.Report) (tracker.Outcome, error) {
	out, err := e.tracker.Update(id, r)
	if out.Seq == 0 {
		// Unknown evaluation: nothing was recorded.
		return out, err
	}

	e.metrics.Update(string(out.Result))
	if out.Completion != nil {
		e.metrics.Terminal(out.Status.String())
	}

	if perr := e.persistReport(ctx, id, r, out, err); perr != nil {
		e.metrics.PersistError()
		return out, perr
	}
	return out, err
}

func (e *Engine) persistReport(ctx context.Context, id string, r tracker.Report, out tracker.Outcome, rejection error) error {
	if e.store == nil {
		return nil
	}

	u := store.UpdateRecord{
		EvaluationID: id,
		Seq:          out.Seq,
		Report:       r,
		Result:       out.Result,
		Overall:      out.Status,
	}
	if out.Applied() {
		u.StepKey = out.StepKey
	}
	if rejection != nil {
		u.Error = rejection.Error()
	}
	if err := e.store.WriteUpdate(ctx, u); err != nil {
		return &PersistError{Op: "update", EvaluationID: id, Seq: out.Seq, Err: err}
	}

	if out.Completion != nil {
		if err := e.store.WriteCompletion(ctx, *out.Completion, out.Seq); err != nil {
			return &PersistError{Op: "completion", EvaluationID: id, Seq: out.Seq, Err: err}
		}
	}
	return nil
}

// Abandon abandons an evaluation and records the abandonment.
func (e *Engine) Abandon(ctx context.Context, id string) (tracker.Outcome, error) {
	out, err := e.tracker.Abandon(id)
	if err != nil || out.Result != tracker.ResultAbandoned {
		return out, err
	}
	e.metrics.Abandoned()

	if e.store != nil {
		if err := e.store.WriteAbandoned(ctx, id, out.Seq); err != nil {
			e.metrics.PersistError()
			return out, &PersistError{Op: "abandon", EvaluationID: id, Seq: out.Seq, Err: err}
		}
	}
	return out, nil
}

// Enqueue submits an event for processing by the Run loop.
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(ev Event) bool {
	ok := e.queue.Enqueue(ev)
	e.metrics.QueueDepth(e.queue.Len())
	return ok
}

// Run processes enqueued events in FIFO order until ctx is cancelled or
// Stop is called. After Stop, events already queued are drained before
// Run returns nil.
//
// On failure the event is logged with its full context and processing
// continues. Rejected reports are not failures: the tracker has already
// recorded and logged them.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting")

	for {
		event, ok := e.queue.TryDequeue()
		if ok {
			e.metrics.QueueDepth(e.queue.Len())
			if err := e.processEvent(ctx, event); err != nil {
				logEventError(event, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.queue.Close()
			return ctx.Err()

		case <-e.queue.Wait():
			if e.queue.drained() {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the intake queue. Run returns once it is drained.
func (e *Engine) Stop() {
	e.queue.Close()
}

func (e *Engine) processEvent(ctx context.Context, event Event) error {
	switch event.Type {
	case EventTypeReport:
		if event.Report == nil {
			return fmt.Errorf("report event missing report data")
		}
		out, err := e.Report(ctx, event.EvaluationID, *event.Report)
		if err != nil && (out.Seq == 0 || IsPersistError(err)) {
			return err
		}
		return nil

	case EventTypeAbandon:
		_, err := e.Abandon(ctx, event.EvaluationID)
		return err

	default:
		return fmt.Errorf("unknown event type: %d", event.Type)
	}
}

// logEventError logs a failed event with enough context to replay it by
// hand.
func logEventError(event Event, err error) {
	switch event.Type {
	case EventTypeReport:
		if event.Report != nil {
			slog.Error("report processing failed",
				"error", err,
				"evaluation_id", event.EvaluationID,
				"job_id", event.Report.JobID,
				"step_id", event.Report.StepID,
				"status", event.Report.Update.Status.String(),
			)
			return
		}
		slog.Error("report processing failed",
			"error", err,
			"evaluation_id", event.EvaluationID,
			"note", "report data was nil",
		)

	case EventTypeAbandon:
		slog.Error("abandon processing failed",
			"error", err,
			"evaluation_id", event.EvaluationID,
		)

	default:
		slog.Error("event processing failed",
			"error", err,
			"event_type", int(event.Type),
		)
	}
}
