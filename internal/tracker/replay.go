package tracker

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/validate"
)

// Recorded is a persisted report together with how it was handled.
type Recorded struct {
	Seq    int64
	Report Report
	Result Result
	Error  string
}

// Record is everything needed to rebuild one evaluation.
type Record struct {
	ID      string
	Request *schema.PolicyRequest

	// AbandonedSeq is the seq at which the evaluation was abandoned, or 0.
	AbandonedSeq int64

	Reports []Recorded
}

// Restore rebuilds an evaluation from its record.
//
// Accepted and audited reports are re-applied through the same rules as
// Update, at their original seq, so the rebuilt state, trace and completion
// digest match the original run. Rejected reports are counted as the live
// path counted them and re-recorded without being re-applied. A report whose
// replayed result differs from the recorded one is logged, not fatal.
//
// The tracker clock is advanced past every replayed seq.
func (t *Tracker) Restore(rec Record) error {
	if rec.ID == "" {
		return schema.NewMissingField("id is required and cannot be empty", "id")
	}
	if rec.Request == nil {
		return schema.NewMissingField("request is required", "request")
	}
	admitted, err := validate.Workflow(&rec.Request.Workflow, t.validateOpts)
	if err != nil {
		return fmt.Errorf("restore %s: %w", rec.ID, err)
	}

	ev := newEvaluation(rec.ID, admitted, t.maxUpdates)
	reports := slices.Clone(rec.Reports)
	slices.SortStableFunc(reports, func(a, b Recorded) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})

	maxSeq := rec.AbandonedSeq
	abandonPending := rec.AbandonedSeq > 0
	for _, r := range reports {
		if abandonPending && r.Seq > rec.AbandonedSeq {
			t.abandon(ev, rec.AbandonedSeq)
			abandonPending = false
		}
		maxSeq = max(maxSeq, r.Seq)

		if r.Result == ResultRejected {
			ev.updates++
			if !ev.status.IsTerminal() {
				_ = ev.quota.Check(ev.id)
			}
			ev.record(Entry{
				Seq:    r.Seq,
				JobID:  r.Report.JobID,
				StepID: r.Report.StepID,
				Status: r.Report.Update.Status.String(),
				Result: ResultRejected,
				Error:  r.Error,
			})
			continue
		}

		out, _ := t.apply(ev, r.Report, r.Seq)
		if r.Result != "" && out.Result != r.Result {
			slog.Warn("replayed report diverged",
				"evaluation_id", rec.ID,
				"seq", r.Seq,
				"recorded", string(r.Result),
				"replayed", string(out.Result),
			)
		}
	}
	if abandonPending {
		t.abandon(ev, rec.AbandonedSeq)
	}
	ev.publish()

	if err := t.register(ev); err != nil {
		return err
	}
	t.clock.AdvanceTo(maxSeq)

	slog.Debug("evaluation restored",
		"evaluation_id", rec.ID,
		"reports", len(reports),
		"status", ev.status.String(),
		"seq", maxSeq,
	)
	return nil
}
