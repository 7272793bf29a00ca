package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReduceExcludesHighOutlier(t *testing.T) {
	samples := []int64{10000, 12000, 11000, 9500, 50000}
	got := Reduce(samples, DefaultReducerConfig())
	// 50000 deviates far beyond 3x the median absolute deviation; the
	// representative value is the median of the remaining four.
	assert.Equal(t, 10500.0, got)
}

func TestReduceIdempotentOnFilteredOutput(t *testing.T) {
	cfg := DefaultReducerConfig()
	samples := []int64{10000, 12000, 11000, 9500, 50000}
	first := Reduce(samples, cfg)

	filtered := []int64{10000, 12000, 11000, 9500}
	second := Reduce(filtered, cfg)
	assert.Equal(t, first, second, "a second pass must exclude nothing new")
}

func TestReduceKeepsTightSample(t *testing.T) {
	samples := []int64{98000, 102000, 99000, 101000, 100000}
	got := Reduce(samples, DefaultReducerConfig())
	assert.Equal(t, 100000.0, got)
}

func TestReduceFallsBackToMedianWhenTooFewSurvive(t *testing.T) {
	// With a tiny deviation multiple nearly everything is excluded; the
	// unfiltered median must come back instead of a failure.
	samples := []int64{1000, 5000, 90000, 200000, 800000}
	got := Reduce(samples, ReducerConfig{DeviationMultiple: 0.001})
	assert.Equal(t, 90000.0, got)
}

func TestReduceConstantSample(t *testing.T) {
	samples := []int64{5000, 5000, 5000, 5000}
	got := Reduce(samples, DefaultReducerConfig())
	assert.Equal(t, 5000.0, got)
}

func TestReduceSmallSamples(t *testing.T) {
	assert.Equal(t, 0.0, Reduce(nil, DefaultReducerConfig()))
	assert.Equal(t, 7000.0, Reduce([]int64{7000}, DefaultReducerConfig()))
	assert.Equal(t, 7500.0, Reduce([]int64{7000, 8000}, DefaultReducerConfig()))
}

func TestReduceDeterministic(t *testing.T) {
	cfg := DefaultReducerConfig()
	samples := []int64{31000, 29000, 28000, 90000, 30000, 32000}
	first := Reduce(samples, cfg)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Reduce(samples, cfg))
	}
}
