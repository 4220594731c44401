package schema

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertGoldenDetail(t *testing.T, name string, detail map[string]any) {
	t.Helper()

	data, err := MarshalCanonical(detail)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}

func TestSubmittedDetail(t *testing.T) {
	assertGoldenDetail(t, "submitted", SubmittedDetail("eval-1"))
}

func TestInProgressDetail(t *testing.T) {
	states := StepStates{
		"lint": {
			"0": {
				Status:   StatusInProgress,
				Metadata: map[string]string{"runner": "r-1"},
			},
		},
		"build": {},
	}
	assertGoldenDetail(t, "in_progress", InProgressDetail("eval-1", states))
}

func TestCompleteDetail(t *testing.T) {
	c := PolicyCompletion{
		ID:         "eval-1",
		ExitStatus: ExitSuccess,
		Outputs:    map[string]any{"hello": "world"},
		Annotations: map[string]any{
			"lint": map[string]any{"0": map[string]any{"runner": "r-1"}},
		},
		Digest: "ignored",
	}
	assertGoldenDetail(t, "complete", CompleteDetail(c))
}

func TestInputValidationErrorDetail(t *testing.T) {
	u := JobStepStatusUpdate{
		Status: StatusInputValidationError,
		Metadata: map[string]string{
			"msg":   "repo_name must not be empty",
			"url":   "https://example.com/rules#repo_name",
			"input": "",
		},
	}
	assertGoldenDetail(t, "input_validation_error", InputValidationErrorDetail("lint", "0", u))
}

func TestInputValidationErrorDetailDefaults(t *testing.T) {
	d := InputValidationErrorDetail("build", "2", JobStepStatusUpdate{Status: StatusInputValidationError})
	assert.Equal(t, map[string]any{
		"msg":  "step reported an input validation error",
		"loc":  []any{"jobs", "build", "steps", "2"},
		"type": "input_validation_error",
	}, d)
}

func TestStepStatesClone(t *testing.T) {
	states := StepStates{"lint": {"0": {Status: StatusComplete, Outputs: map[string]any{"a": []any{"x"}}}}}
	cp := states.Clone()
	cp["lint"]["0"].Outputs["a"].([]any)[0] = "y"

	u, ok := states.Get("lint", "0")
	require.True(t, ok)
	assert.Equal(t, []any{"x"}, u.Outputs["a"])

	_, ok = states.Get("lint", "1")
	assert.False(t, ok)
	_, ok = states.Get("build", "0")
	assert.False(t, ok)
}
