package schema

import (
	"fmt"
)

// Status is the lifecycle status of an evaluation or of a single step.
//
// The zero value is the unknown sentinel. It renders as "unknown" for
// debugging but is rejected by NewPolicyStatus, ParseStatus and
// MarshalText.
type Status uint8

const (
	statusUnknown Status = iota

	// StatusSubmitted is the initial status of an admitted evaluation.
	StatusSubmitted

	// StatusInProgress means at least one step has reported.
	StatusInProgress

	// StatusComplete is terminal: every declared step completed.
	StatusComplete

	// StatusInputValidationError is terminal: a step reported a structural failure.
	StatusInputValidationError
)

var statusNames = map[Status]string{
	statusUnknown:              "unknown",
	StatusSubmitted:            "submitted",
	StatusInProgress:           "in_progress",
	StatusComplete:             "complete",
	StatusInputValidationError: "input_validation_error",
}

// String returns the wire name of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether s is one of the four public statuses.
func (s Status) Valid() bool {
	return s >= StatusSubmitted && s <= StatusInputValidationError
}

// Rank orders statuses for monotonic step updates:
// submitted(0) < in_progress(1) < {complete, input_validation_error}(2).
// Invalid statuses rank -1.
func (s Status) Rank() int {
	switch s {
	case StatusSubmitted:
		return 0
	case StatusInProgress:
		return 1
	case StatusComplete, StatusInputValidationError:
		return 2
	default:
		return -1
	}
}

// IsTerminal reports whether no transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusInputValidationError
}

// ParseStatus converts a wire name into a Status.
// "unknown" and unrecognised names are CustomError validation errors.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name && s.Valid() {
			return s, nil
		}
	}
	if name == statusNames[statusUnknown] {
		return statusUnknown, NewCustomError("unknown status is not allowed", "status")
	}
	return statusUnknown, NewCustomError(fmt.Sprintf("unrecognised status %q", name), "status")
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, NewCustomError(fmt.Sprintf("cannot encode %s status", s), "status")
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// Used by both encoding/json and yaml.v3.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ExitStatus is the outcome recorded on a completion.
type ExitStatus string

const (
	ExitSuccess ExitStatus = "success"
	ExitFailure ExitStatus = "failure"
)

// PolicyStatus is a lifecycle snapshot for one evaluation.
// Detail carries the status response document for the current status.
type PolicyStatus struct {
	ID     string         `json:"id"`
	Status Status         `json:"status"`
	Detail map[string]any `json:"detail"`
}

// NewPolicyStatus builds a PolicyStatus.
//
// An empty id is a MissingField error. The unknown sentinel, or any value
// outside the public status set, is a CustomError. A nil detail becomes an
// empty map.
func NewPolicyStatus(id string, status Status, detail map[string]any) (PolicyStatus, error) {
	if !status.Valid() {
		return PolicyStatus{}, NewCustomError(fmt.Sprintf("%s status is not allowed", status), "status")
	}
	if id == "" {
		return PolicyStatus{}, NewMissingField("id is required and cannot be empty", "id")
	}
	if detail == nil {
		detail = map[string]any{}
	}
	return PolicyStatus{ID: id, Status: status, Detail: detail}, nil
}

// MustPolicyStatus is like NewPolicyStatus but panics on error.
// Reserved for internal call sites where the arguments are already known good;
// a panic here is a broken invariant, not bad input.
func MustPolicyStatus(id string, status Status, detail map[string]any) PolicyStatus {
	ps, err := NewPolicyStatus(id, status, detail)
	if err != nil {
		panic(err)
	}
	return ps
}
