package stability_test

import (
	"math"
	"testing"

	"codeberg.org/mutker/devchar/internal/stability"
	"github.com/stretchr/testify/assert"
)

func line(n int, intercept, slope float64) []float64 {
	ys := make([]float64, n)
	for i := range ys {
		ys[i] = intercept + slope*float64(i)
	}
	return ys
}

func TestLinearFit(t *testing.T) {
	intercept, slope := stability.LinearFit(line(50, 3, 2))
	assert.InDelta(t, 3, intercept, 1e-9)
	assert.InDelta(t, 2, slope, 1e-9)
}

func TestLinearFitDegenerate(t *testing.T) {
	intercept, slope := stability.LinearFit(nil)
	assert.Zero(t, intercept)
	assert.Zero(t, slope)

	intercept, slope = stability.LinearFit([]float64{4.2})
	assert.Equal(t, 4.2, intercept)
	assert.Zero(t, slope)

	intercept, slope = stability.LinearFit(line(20, 1.5, 0))
	assert.InDelta(t, 1.5, intercept, 1e-12)
	assert.InDelta(t, 0, slope, 1e-12)

	_, slope = stability.LinearFit([]float64{1, math.NaN(), 3})
	assert.Zero(t, slope)

	_, slope = stability.LinearFit([]float64{1, math.Inf(1), 3})
	assert.Zero(t, slope)
}

func TestMeanAbsSlopeDoesNotCancel(t *testing.T) {
	cols := [][]float64{line(10, 0, 1), line(10, 0, -1)}
	assert.InDelta(t, 1, stability.MeanAbsSlope(cols), 1e-9)
	assert.Zero(t, stability.MeanAbsSlope(nil))
}

func TestDCLevelsUseInterceptOfAbsoluteValues(t *testing.T) {
	rising := line(100, 1, 0.001)
	negative := line(100, -2, 0)

	dc := stability.DCLevels([][]float64{rising, negative})

	assert.InDelta(t, 1, dc[0], 1e-9)
	var mean float64
	for _, v := range rising {
		mean += v
	}
	mean /= float64(len(rising))
	assert.Greater(t, math.Abs(dc[0]-mean), 0.04)

	assert.InDelta(t, 2, dc[1], 1e-9)
}
