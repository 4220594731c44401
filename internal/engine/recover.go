package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/policyengine/internal/tracker"
)

// Recover rebuilds every stored evaluation into the tracker and moves the
// tracker clock past every stored seq. Evaluations already in the tracker
// are skipped. An evaluation that can no longer be restored (for example
// because the admission policy became stricter) is logged and skipped.
//
// Returns the number of evaluations restored.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}

	seq, err := e.storedSeq(ctx)
	if err != nil {
		return 0, err
	}
	records, err := e.store.ReadRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	restored := 0
	for _, rec := range records {
		if err := e.tracker.Restore(rec); err != nil {
			if errors.Is(err, tracker.ErrDuplicateID) {
				slog.Debug("evaluation already loaded", "evaluation_id", rec.ID)
				continue
			}
			slog.Warn("evaluation not recovered",
				"evaluation_id", rec.ID,
				"reports", len(rec.Reports),
				"error", err,
			)
			continue
		}
		restored++
	}

	seq = e.advanceClock(seq)
	e.metrics.Recovered(restored)

	slog.Info("engine recovered",
		"evaluations", restored,
		"stored", len(records),
		"seq", seq,
	)
	return restored, nil
}

// Load rebuilds a single stored evaluation. The tracker clock still moves
// past every seq in the store, since seqs are unique across evaluations.
func (e *Engine) Load(ctx context.Context, id string) error {
	if e.store == nil {
		return fmt.Errorf("load %s: engine has no store", id)
	}

	seq, err := e.storedSeq(ctx)
	if err != nil {
		return err
	}
	rec, err := e.store.ReadRecord(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", tracker.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", id, err)
	}
	if err := e.tracker.Restore(rec); err != nil {
		return err
	}
	e.advanceClock(seq)
	e.metrics.Recovered(1)
	return nil
}

// storedSeq reads the highest stored seq. It is read before any records:
// a writer that lands in between then collides with this engine's next seq
// instead of being skipped by it.
func (e *Engine) storedSeq(ctx context.Context) (int64, error) {
	seq, err := e.store.MaxSeq(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover clock: %w", err)
	}
	return seq, nil
}

func (e *Engine) advanceClock(seq int64) int64 {
	e.tracker.Clock().AdvanceTo(seq)
	return e.tracker.Clock().Current()
}
