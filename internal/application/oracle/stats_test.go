package oracle_test

import (
	"testing"

	"github.com/alejandrodnm/overunder/internal/application/oracle"
	"github.com/stretchr/testify/assert"
)

func TestMedian_OddAndEven(t *testing.T) {
	assert.InDelta(t, 2.0, oracle.Median([]float64{3, 1, 2}), 1e-12)
	assert.InDelta(t, 2.5, oracle.Median([]float64{4, 1, 3, 2}), 1e-12)
	assert.InDelta(t, 7.0, oracle.Median([]float64{7}), 1e-12)
	assert.Equal(t, 0.0, oracle.Median(nil))
}

func TestMedian_DoesNotMutateInput(t *testing.T) {
	in := []float64{5, 1, 4, 2, 3}
	oracle.Median(in)
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, in)
}

func TestMedianAndMAD_OrderInvariant(t *testing.T) {
	orders := [][]float64{
		{100, 101, 99, 150, 100},
		{150, 100, 99, 101, 100},
		{99, 100, 100, 101, 150},
	}
	wantMed := oracle.Median(orders[0])
	wantMAD := oracle.MAD(orders[0], wantMed)
	for _, xs := range orders {
		med := oracle.Median(xs)
		assert.Equal(t, wantMed, med)
		assert.Equal(t, wantMAD, oracle.MAD(xs, med))
		// idempotent
		assert.Equal(t, med, oracle.Median(xs))
	}
}

func TestMAD(t *testing.T) {
	// deviations from 100: 0, 1, 1, 50, 0 → sorted 0, 0, 1, 1, 50 → 1
	xs := []float64{100, 101, 99, 150, 100}
	assert.InDelta(t, 1.0, oracle.MAD(xs, oracle.Median(xs)), 1e-12)
}

func TestTrimOutliers_RejectsFarValue(t *testing.T) {
	xs := []float64{100, 101, 99, 150, 100}
	kept, rejected := oracle.TrimOutliers(xs, 2.5)

	assert.ElementsMatch(t, []float64{100, 101, 99, 100}, kept)
	assert.Equal(t, []bool{false, false, false, true, false}, rejected)
}

func TestTrimOutliers_TwoOrFewerUntouched(t *testing.T) {
	kept, rejected := oracle.TrimOutliers([]float64{100, 1000}, 2.5)
	assert.Equal(t, []float64{100, 1000}, kept)
	assert.Equal(t, []bool{false, false}, rejected)
}

func TestTrimOutliers_ZeroMADKeepsOnlyMedianValues(t *testing.T) {
	kept, rejected := oracle.TrimOutliers([]float64{100, 100, 105}, 2.5)
	assert.Equal(t, []float64{100, 100}, kept)
	assert.Equal(t, []bool{false, false, true}, rejected)
}

func TestTrimOutliers_EvenLengthKeepsCentralValues(t *testing.T) {
	kept, _ := oracle.TrimOutliers([]float64{1, 2, 3, 4}, 2.5)
	assert.Len(t, kept, 4)
}
