// Package oqc decides when a finished run needs outgoing inspection, picks
// the sample and runs the inspection to a verdict.
package oqc

import (
	"math"
	"math/rand"

	"mes-execution-backend/internal/model"
)

// CalculateSampleSize returns how many of doneCount units rule asks for.
// PERCENTAGE rounds up and is clamped to [1, doneCount]; FIXED is capped at
// doneCount. No units or no rule means no sample.
func CalculateSampleSize(rule *model.OqcSamplingRule, doneCount int) int {
	if rule == nil || doneCount <= 0 {
		return 0
	}
	switch rule.SamplingType {
	case model.SamplingPercentage:
		n := int(math.Ceil(float64(doneCount) * rule.SampleValue / 100))
		return min(max(n, 1), doneCount)
	case model.SamplingFixed:
		return max(min(int(math.Ceil(rule.SampleValue)), doneCount), 0)
	}
	return 0
}

// SelectSample shuffles a copy of items with rng (Fisher-Yates) and returns
// the first k. The result has min(k, len(items)) distinct elements.
func SelectSample[T any](rng *rand.Rand, items []T, k int) []T {
	if k <= 0 || len(items) == 0 {
		return []T{}
	}
	shuffled := make([]T, len(items))
	copy(shuffled, items)
	for i := len(shuffled) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	if k > len(shuffled) {
		k = len(shuffled)
	}
	return shuffled[:k]
}
