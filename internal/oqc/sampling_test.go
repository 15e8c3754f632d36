package oqc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"mes-execution-backend/internal/model"
)

func TestCalculateSampleSize(t *testing.T) {
	pct := func(v float64) *model.OqcSamplingRule {
		return &model.OqcSamplingRule{SamplingType: model.SamplingPercentage, SampleValue: v}
	}
	fixed := func(v float64) *model.OqcSamplingRule {
		return &model.OqcSamplingRule{SamplingType: model.SamplingFixed, SampleValue: v}
	}

	testCases := []struct {
		name string
		rule *model.OqcSamplingRule
		done int
		want int
	}{
		{"no rule", nil, 10, 0},
		{"no units", pct(50), 0, 0},
		{"percentage rounds up", pct(15), 10, 2},
		{"percentage at least one", pct(1), 10, 1},
		{"zero percentage still samples one", pct(0), 10, 1},
		{"full percentage", pct(100), 10, 10},
		{"percentage clamped to done", pct(150), 10, 10},
		{"fixed", fixed(3), 10, 3},
		{"fixed fractional rounds up", fixed(2.2), 10, 3},
		{"fixed capped", fixed(20), 10, 10},
		{"zero value", fixed(0), 10, 0},
		{"unknown type", &model.OqcSamplingRule{SamplingType: "AQL", SampleValue: 5}, 10, 0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CalculateSampleSize(tc.rule, tc.done))
		})
	}
}

func TestSelectSample_Properties(t *testing.T) {
	units := []string{"A", "B", "C", "D", "E", "F", "G"}
	rng := rand.New(rand.NewSource(7))

	for k := -1; k <= len(units)+2; k++ {
		got := SelectSample(rng, units, k)
		assert.Len(t, got, max(0, min(k, len(units))))

		seen := map[string]bool{}
		for _, u := range got {
			assert.Contains(t, units, u)
			assert.False(t, seen[u], "duplicate %s", u)
			seen[u] = true
		}
	}
	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F", "G"}, units, "input is not reordered")
}

func TestSelectSample_DeterministicForSeed(t *testing.T) {
	units := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	a := SelectSample(rand.New(rand.NewSource(42)), units, 4)
	b := SelectSample(rand.New(rand.NewSource(42)), units, 4)
	assert.Equal(t, a, b)
}
