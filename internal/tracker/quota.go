package tracker

import (
	"errors"
	"fmt"
)

// DefaultMaxUpdates is the default maximum number of reports per active
// evaluation. This bounds evaluations whose reporters never finish.
const DefaultMaxUpdates = 10000

// QuotaEnforcer counts the reports an active evaluation receives and
// enforces a maximum. Reports audited after the terminal transition are
// not counted.
//
// Not safe for concurrent use; the owning evaluation's lock guards it.
type QuotaEnforcer struct {
	maxUpdates int // zero or negative means unlimited
	current    int
}

// NewQuotaEnforcer creates a new quota enforcer with the given limit.
func NewQuotaEnforcer(maxUpdates int) *QuotaEnforcer {
	return &QuotaEnforcer{maxUpdates: maxUpdates}
}

// Check increments the counter and validates it against the limit.
// Returns *QuotaExceededError once the limit is passed.
func (q *QuotaEnforcer) Check(evaluationID string) error {
	q.current++
	if q.maxUpdates > 0 && q.current > q.maxUpdates {
		return &QuotaExceededError{
			EvaluationID: evaluationID,
			Updates:      q.current,
			Limit:        q.maxUpdates,
		}
	}
	return nil
}

// Current returns the number of reports counted so far.
func (q *QuotaEnforcer) Current() int {
	return q.current
}

// MaxUpdates returns the limit.
func (q *QuotaEnforcer) MaxUpdates() int {
	return q.maxUpdates
}

// QuotaExceededError is returned when an evaluation receives more reports
// than its quota allows. The report is recorded as rejected and state is
// left untouched.
type QuotaExceededError struct {
	EvaluationID string
	Updates      int
	Limit        int
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("evaluation %s exceeded max updates quota: %d updates > %d limit",
		e.EvaluationID, e.Updates, e.Limit)
}

// IsQuotaError returns true if the error is a QuotaExceededError.
// Uses errors.As to handle wrapped errors.
func IsQuotaError(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}
