package tracker

import (
	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/validate"
)

// aggregate folds the stored step states into an overall status.
//
//   - any step at input_validation_error: input_validation_error, and the
//     first such step in declared order is returned;
//   - every expected step reported and at complete: complete;
//   - otherwise in_progress.
//
// The expected set comes from the validated workflow, not from the steps
// that happened to report. An evaluation with no expected steps never
// aggregates to complete; no report can reach it.
func aggregate(expected []validate.StepRef, states schema.StepStates) (schema.Status, *validate.StepRef) {
	allComplete := len(expected) > 0
	for i := range expected {
		ref := &expected[i]
		u, ok := states.Get(ref.JobID, ref.Key)
		if !ok {
			allComplete = false
			continue
		}
		switch u.Status {
		case schema.StatusInputValidationError:
			return schema.StatusInputValidationError, ref
		case schema.StatusComplete:
		default:
			allComplete = false
		}
	}
	if allComplete {
		return schema.StatusComplete, nil
	}
	return schema.StatusInProgress, nil
}
