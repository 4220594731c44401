package tracker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no evaluation is registered under the id.
	ErrNotFound = errors.New("evaluation not found")

	// ErrDuplicateID means the id generator produced an id that is already
	// registered.
	ErrDuplicateID = errors.New("evaluation id already registered")

	// ErrActive means the evaluation is neither terminal nor abandoned and
	// cannot be released yet.
	ErrActive = errors.New("evaluation is still active")
)

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// IsNotFound reports whether err means an unknown evaluation id.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
