package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/policyengine/internal/schema"
	"github.com/roach88/policyengine/internal/tracker"
)

// Scenario defines a conformance test scenario: a request, a sequence of
// step reports with their expected handling, and assertions on the final
// trace and state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Request is the request document given inline.
	Request yaml.Node `yaml:"request,omitempty"`

	// RequestFile is a path to a request document, relative to the
	// scenario file. Exactly one of Request and RequestFile is set.
	RequestFile string `yaml:"request_file,omitempty"`

	// Config is an optional path to a .cue config file, relative to the
	// scenario file.
	Config string `yaml:"config,omitempty"`

	// EvaluationID is the fixed id of the evaluation.
	// Defaults to "eval-1" for deterministic golden file comparison.
	EvaluationID string `yaml:"evaluation_id,omitempty"`

	// Flow contains the reports to apply, in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count,
	// final_state, final_status
	Assertions []Assertion `yaml:"assertions"`
}

// FlowStep is one report, or an abandonment when Abandon is set.
type FlowStep struct {
	Abandon bool `yaml:"abandon,omitempty"`

	tracker.Report `yaml:",inline"`

	// Expect specifies how the engine must handle the step.
	// If nil, no validation is performed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected handling of a step.
type ExpectClause struct {
	// Result is the expected result: applied, audit, rejected or abandoned.
	Result string `yaml:"result"`

	// Overall is the expected evaluation status after the step.
	// If empty, the status is not checked.
	Overall string `yaml:"overall,omitempty"`

	// Error is a substring the rejection error must contain.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event matches Job, Step and Result
	// - "trace_order": steps were first applied in the order of Steps
	// - "trace_count": exactly Count events have Result (optionally in Job)
	// - "final_state": query Table and verify expected values
	// - "final_status": the evaluation ended in Status / ExitStatus, with
	//   at least the Expect outputs
	Type string `yaml:"type"`

	// Job and Step select events (trace_contains, trace_count).
	Job  string `yaml:"job,omitempty"`
	Step string `yaml:"step,omitempty"`

	// Result is the expected event result (trace_contains, trace_count).
	Result string `yaml:"result,omitempty"`

	// Steps is the expected order as "job/step-key" (trace_order).
	Steps []string `yaml:"steps,omitempty"`

	// Count is the expected number of occurrences (trace_count).
	Count int `yaml:"count,omitempty"`

	// Table is the store table name (final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (final_state).
	// All fields must match exactly.
	Where map[string]any `yaml:"where,omitempty"`

	// Expect contains expected values: columns for final_state, completion
	// outputs for final_status. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Status and ExitStatus are the expected final status and completion
	// exit status (final_status).
	Status     string `yaml:"status,omitempty"`
	ExitStatus string `yaml:"exit_status,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertFinalStatus   = "final_status"
)

// defaultEvaluationID is used when a scenario does not fix one.
const defaultEvaluationID = "eval-1"

// LoadScenario reads and parses a scenario YAML file. Relative paths in
// the scenario resolve against the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	if scenario.RequestFile != "" && !filepath.IsAbs(scenario.RequestFile) {
		scenario.RequestFile = filepath.Join(base, scenario.RequestFile)
	}
	if scenario.Config != "" && !filepath.IsAbs(scenario.Config) {
		scenario.Config = filepath.Join(base, scenario.Config)
	}
	if scenario.EvaluationID == "" {
		scenario.EvaluationID = defaultEvaluationID
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// LoadScenarios loads every *.yaml scenario in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// RequestBytes returns the request document as YAML.
func (s *Scenario) RequestBytes() ([]byte, error) {
	if s.RequestFile != "" {
		return os.ReadFile(s.RequestFile)
	}
	return yaml.Marshal(&s.Request)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	hasInline := s.Request.Kind != 0
	switch {
	case hasInline && s.RequestFile != "":
		return fmt.Errorf("request and request_file are mutually exclusive")
	case !hasInline && s.RequestFile == "":
		return fmt.Errorf("request or request_file is required")
	}

	if s.RequestFile != "" {
		if _, err := os.Stat(s.RequestFile); os.IsNotExist(err) {
			return fmt.Errorf("request file not found: %s", s.RequestFile)
		}
	}
	if s.Config != "" {
		if _, err := os.Stat(s.Config); os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", s.Config)
		}
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, step *FlowStep) error {
	if step.Abandon {
		if step.JobID != "" || step.StepID != "" {
			return fmt.Errorf("flow[%d]: abandon takes no job or step", index)
		}
	} else {
		if step.JobID == "" {
			return fmt.Errorf("flow[%d]: job is required", index)
		}
		if step.StepID == "" {
			return fmt.Errorf("flow[%d]: step is required", index)
		}
		if !step.Update.Status.Valid() {
			return fmt.Errorf("flow[%d]: status is required", index)
		}
	}

	if step.Expect != nil {
		switch tracker.Result(step.Expect.Result) {
		case tracker.ResultApplied, tracker.ResultAudit, tracker.ResultRejected, tracker.ResultAbandoned:
		default:
			return fmt.Errorf("flow[%d].expect: unknown result %q", index, step.Expect.Result)
		}
		if step.Expect.Overall != "" {
			if _, err := schema.ParseStatus(step.Expect.Overall); err != nil {
				return fmt.Errorf("flow[%d].expect: %w", index, err)
			}
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Job == "" && a.Result == "" {
			return fmt.Errorf("assertions[%d]: job or result is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Steps) == 0 {
			return fmt.Errorf("assertions[%d]: steps list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Result == "" {
			return fmt.Errorf("assertions[%d]: result is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertFinalStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for final_status", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
