package schema

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes validation failures.
type ErrorKind int

const (
	// MissingField means a required key is absent.
	MissingField ErrorKind = iota + 1

	// InvalidField means a key is present but has the wrong shape or
	// contradicts another field (e.g. a step with both uses and run).
	InvalidField

	// CustomError covers everything else: disallowed status construction,
	// out-of-order step updates, conflicting terminal reports.
	CustomError
)

// String returns the machine-readable type name used in error documents.
func (k ErrorKind) String() string {
	switch k {
	case MissingField:
		return "missing_field"
	case InvalidField:
		return "invalid_field"
	case CustomError:
		return "custom_error"
	default:
		return fmt.Sprintf("error_kind(%d)", int(k))
	}
}

// ValidationError is a structured validation failure.
type ValidationError struct {
	Kind    ErrorKind
	Message string

	// Loc is the path to the offending field, e.g. ["workflow", "jobs", "lint", "steps", "0"].
	Loc []string

	// Input optionally echoes the offending value.
	Input any

	// URL optionally points at documentation for the rule.
	URL string
}

// NewMissingField creates a MissingField error at loc.
func NewMissingField(message string, loc ...string) *ValidationError {
	return &ValidationError{Kind: MissingField, Message: message, Loc: loc}
}

// NewInvalidField creates an InvalidField error at loc.
func NewInvalidField(message string, loc ...string) *ValidationError {
	return &ValidationError{Kind: InvalidField, Message: message, Loc: loc}
}

// NewCustomError creates a CustomError at loc.
func NewCustomError(message string, loc ...string) *ValidationError {
	return &ValidationError{Kind: CustomError, Message: message, Loc: loc}
}

// WithInput returns e with Input set.
func (e *ValidationError) WithInput(input any) *ValidationError {
	e.Input = input
	return e
}

// Field returns Loc joined with dots.
func (e *ValidationError) Field() string {
	return strings.Join(e.Loc, ".")
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Loc) > 0 {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Field(), e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Detail renders the input_validation_error document:
// { msg, loc, type, url?, input? }.
func (e *ValidationError) Detail() map[string]any {
	loc := make([]any, len(e.Loc))
	for i, seg := range e.Loc {
		loc[i] = seg
	}
	d := map[string]any{
		"msg":  e.Message,
		"loc":  loc,
		"type": e.Kind.String(),
	}
	if e.URL != "" {
		d["url"] = e.URL
	}
	if e.Input != nil {
		d["input"] = e.Input
	}
	return d
}

// ValidationErrors collects several validation failures.
// Validators report every problem they find rather than stopping at the first.
type ValidationErrors []*ValidationError

// Error implements the error interface.
func (errs ValidationErrors) Error() string {
	switch len(errs) {
	case 0:
		return "no validation errors"
	case 1:
		return errs[0].Error()
	}
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%d validation errors: %s", len(errs), strings.Join(parts, "; "))
}

// Unwrap exposes the individual errors to errors.Is and errors.As.
func (errs ValidationErrors) Unwrap() []error {
	out := make([]error, len(errs))
	for i, e := range errs {
		out[i] = e
	}
	return out
}

// OrNil returns nil for an empty collection so callers can `return errs.OrNil()`.
func (errs ValidationErrors) OrNil() error {
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// AsValidationErrors flattens err into its validation errors.
// Returns nil when err carries none.
func AsValidationErrors(err error) ValidationErrors {
	var list ValidationErrors
	if errors.As(err, &list) {
		return list
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ValidationErrors{ve}
	}
	return nil
}

// IsKind reports whether err carries a validation error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	for _, ve := range AsValidationErrors(err) {
		if ve.Kind == kind {
			return true
		}
	}
	return false
}
