package coverage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/regtruth/pkg/coverage"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

func shapes(s ...string) []*model.SourcePointer {
	out := make([]*model.SourcePointer, len(s))
	for i, x := range s {
		out[i] = &model.SourcePointer{ID: x, Shape: x}
	}
	return out
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name    string
		ct      coverage.ContentType
		shapes  []string
		score   float64
		pass    bool
		missing []string
	}{
		{"logic complete", coverage.Logic, []string{"threshold", "condition", "outcome"}, 1, true, nil},
		{"logic two of three", coverage.Logic, []string{"threshold", "condition"}, 2.0 / 3, false, nil},
		{"reference required only", coverage.Reference, []string{"reference"}, 0.5, false, nil},
		{"reference complete", coverage.Reference, []string{"reference", "identifier"}, 1, true, nil},
		{"mixed missing required", coverage.Mixed, []string{"threshold", "step", "reference"}, 0.75, false, []string{"condition"}},
		{"mixed all", coverage.Mixed, []string{"threshold", "condition", "step", "reference"}, 1, true, nil},
		{"transitional missing new value", coverage.Transitional, []string{"effective_date", "previous_value"}, 2.0 / 3, false, []string{"new_value"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := coverage.Evaluate(tc.ct, shapes(tc.shapes...), coverage.MinScore)
			require.NoError(t, err)
			assert.InDelta(t, tc.score, r.Score, 1e-9)
			assert.Equal(t, tc.pass, r.Pass)
			assert.Equal(t, tc.missing, r.MissingRequired)
		})
	}
}

func TestEvaluate_MinScoreFloor(t *testing.T) {
	r, err := coverage.Evaluate(coverage.Process, shapes("step"), 0.1)
	require.NoError(t, err)
	assert.False(t, r.Pass, "threshold below 0.8 is raised to 0.8")
}

func TestEvaluate_UnknownType(t *testing.T) {
	_, err := coverage.Evaluate("POETRY", nil, coverage.MinScore)
	assert.Error(t, err)
	assert.False(t, coverage.Known("POETRY"))
	assert.True(t, coverage.Known("LOGIC"))
}

func TestClassify(t *testing.T) {
	ct, ok := coverage.Classify(shapes("reference", "identifier"))
	require.True(t, ok)
	assert.Equal(t, coverage.Reference, ct)

	ct, ok = coverage.Classify(shapes("threshold", "condition", "outcome"))
	require.True(t, ok)
	assert.Equal(t, coverage.Logic, ct)

	_, ok = coverage.Classify(shapes("step"))
	assert.False(t, ok)
}
