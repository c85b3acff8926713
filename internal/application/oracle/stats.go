package oracle

import (
	"math"
	"sort"
)

// Median returns the middle value of xs, averaging the two central values
// for even lengths. The input is not modified. Empty input returns 0.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// MAD returns the median absolute deviation of xs around center.
func MAD(xs []float64, center float64) float64 {
	devs := make([]float64, len(xs))
	for i, x := range xs {
		devs[i] = math.Abs(x - center)
	}
	return Median(devs)
}

// TrimOutliers drops values farther than k×MAD from the median.
// With two values or fewer nothing is dropped. The returned mask is aligned
// with xs and is true for every rejected value.
func TrimOutliers(xs []float64, k float64) (kept []float64, rejected []bool) {
	rejected = make([]bool, len(xs))
	if len(xs) <= 2 {
		return append([]float64(nil), xs...), rejected
	}

	med := Median(xs)
	threshold := k * MAD(xs, med)

	kept = make([]float64, 0, len(xs))
	for i, x := range xs {
		if math.Abs(x-med) > threshold {
			rejected[i] = true
			continue
		}
		kept = append(kept, x)
	}
	return kept, rejected
}
