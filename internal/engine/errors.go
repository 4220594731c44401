package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/policyengine/internal/store"
)

// PersistError reports a store write that failed after the tracker had
// already handled the event. The in-memory state is ahead of the store
// until the event is written again.
type PersistError struct {
	// Op names the write: "evaluation", "update", "completion" or "abandon".
	Op           string
	EvaluationID string
	Seq          int64
	Err          error
}

func (e *PersistError) Error() string {
	if e.Seq > 0 {
		return fmt.Sprintf("persist %s for evaluation %s at seq %d: %v", e.Op, e.EvaluationID, e.Seq, e.Err)
	}
	return fmt.Sprintf("persist %s for evaluation %s: %v", e.Op, e.EvaluationID, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// IsPersistError reports whether err is or wraps a *PersistError.
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}

// IsConflict reports whether err is a store write that lost a seq to
// another writer. The evaluation must be reloaded before retrying.
func IsConflict(err error) bool {
	return errors.Is(err, store.ErrSeqConflict)
}
