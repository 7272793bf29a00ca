package pricing

import (
	"math"
	"sort"
)

// ReducerConfig controls outlier exclusion when reducing a sample of
// historical reach numbers to a single representative value.
type ReducerConfig struct {
	// DeviationMultiple excludes samples whose absolute deviation from the
	// median exceeds this multiple of the median absolute deviation.
	DeviationMultiple float64
}

func DefaultReducerConfig() ReducerConfig {
	return ReducerConfig{DeviationMultiple: 3.0}
}

// Reduce returns a representative reach value for a small sample of
// historical performance numbers, excluding statistical outliers. If fewer
// than 2 samples survive exclusion, the unfiltered median is returned.
// Deterministic for the same input and config.
func Reduce(samples []int64, cfg ReducerConfig) float64 {
	if len(samples) == 0 {
		return 0
	}
	med := median(samples)
	if len(samples) < 3 {
		return med
	}

	deviations := make([]float64, len(samples))
	for i, s := range samples {
		deviations[i] = math.Abs(float64(s) - med)
	}
	mad := medianFloat(deviations)
	if mad == 0 {
		// Degenerate spread: the sample is (near) constant, keep everything.
		return med
	}

	kept := make([]int64, 0, len(samples))
	limit := cfg.DeviationMultiple * mad
	for _, s := range samples {
		if math.Abs(float64(s)-med) <= limit {
			kept = append(kept, s)
		}
	}
	if len(kept) < 2 {
		return med
	}
	return median(kept)
}

func median(values []int64) float64 {
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return (float64(sorted[n/2-1]) + float64(sorted[n/2])) / 2
}

func medianFloat(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
