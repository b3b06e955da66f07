package stability

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// indexAxis returns 0, 1, ..., n-1.
func indexAxis(n int) []float64 {
	xs := make([]float64, n)
	floats.Span(xs, 0, float64(n-1))
	return xs
}

// LinearFit fits ys = intercept + slope*i over the sample index i. Fewer than
// two points or a non-finite result yield a zero slope and, when possible, the
// single available value as intercept.
func LinearFit(ys []float64) (intercept, slope float64) {
	switch len(ys) {
	case 0:
		return 0, 0
	case 1:
		return finiteOrZero(ys[0]), 0
	}

	alpha, beta := stat.LinearRegression(indexAxis(len(ys)), ys, nil, false)
	if !isFinite(alpha) || !isFinite(beta) {
		return finiteOrZero(stat.Mean(ys, nil)), 0
	}

	return alpha, beta
}

// Slope is the least-squares trend per sample of ys.
func Slope(ys []float64) float64 {
	_, slope := LinearFit(ys)
	return slope
}

// MeanAbsSlope averages |Slope| across channels.
func MeanAbsSlope(columns [][]float64) float64 {
	if len(columns) == 0 {
		return 0
	}

	slopes := make([]float64, len(columns))
	for i, col := range columns {
		slopes[i] = math.Abs(Slope(col))
	}

	return stat.Mean(slopes, nil)
}

// DCLevels returns, per channel, the intercept of the first-degree fit of the
// absolute sample values against the sample index.
func DCLevels(columns [][]float64) []float64 {
	levels := make([]float64, len(columns))
	for i, col := range columns {
		abs := make([]float64, len(col))
		for j, v := range col {
			abs[j] = math.Abs(v)
		}
		levels[i], _ = LinearFit(abs)
	}

	return levels
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteOrZero(v float64) float64 {
	if isFinite(v) {
		return v
	}
	return 0
}
