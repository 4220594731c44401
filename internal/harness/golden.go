package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/policyengine/internal/schema"
)

// TraceSnapshot captures everything a scenario run produced that must stay
// stable across versions.
type TraceSnapshot struct {
	ScenarioName string                   `json:"scenario_name"`
	EvaluationID string                   `json:"evaluation_id"`
	Trace        []TraceEvent             `json:"trace"`
	Status       string                   `json:"status"`
	Completion   *schema.PolicyCompletion `json:"completion,omitempty"`
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		EvaluationID: result.EvaluationID,
		Trace:        result.Trace,
		Status:       result.Status,
		Completion:   result.Completion,
	}

	traceJSON, err := schema.MarshalCanonical(snapshot)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}
