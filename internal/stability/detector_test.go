package stability_test

import (
	"math/rand"
	"testing"
	"time"

	"codeberg.org/mutker/devchar/internal/stability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noisyConstant(n int, level, noise float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	ys := make([]float64, n)
	for i := range ys {
		ys[i] = level + noise*(2*rng.Float64()-1)
	}
	return ys
}

func TestDetectorStableBeforeTimeout(t *testing.T) {
	d, err := stability.NewDetector(1e-3, 500*time.Millisecond, nil)
	require.NoError(t, err)

	fired := make(chan uint64, 1)
	cycle := d.Arm(func(c uint64) { fired <- c })

	cols := [][]float64{noisyConstant(500, 0.8, 1e-4, 1), noisyConstant(500, -1.2, 1e-4, 2)}
	res, decided := d.Evaluate(cols)
	require.True(t, decided)

	assert.Equal(t, stability.Decided, d.State())
	assert.True(t, res.Stable)
	assert.False(t, res.TimedOut)
	assert.Equal(t, cycle, res.Cycle)
	assert.Less(t, res.Slope, 1e-3)
	assert.Less(t, res.Elapsed, 500*time.Millisecond)

	want := stability.DCLevels(cols)
	assert.Equal(t, want, res.DC)
	assert.InDelta(t, 0.8, res.DC[0], 1e-3)
	assert.InDelta(t, 1.2, res.DC[1], 1e-3)

	select {
	case <-fired:
		t.Fatal("timeout fired after the slope test decided")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestDetectorTimesOutOnDrift(t *testing.T) {
	const timeout = 150 * time.Millisecond
	d, err := stability.NewDetector(1e-3, timeout, nil)
	require.NoError(t, err)

	fired := make(chan uint64, 1)
	start := time.Now()
	cycle := d.Arm(func(c uint64) { fired <- c })

	drift := [][]float64{line(200, 0, 0.01)}
	for i := 0; i < 5; i++ {
		_, decided := d.Evaluate(drift)
		assert.False(t, decided)
	}
	assert.Equal(t, stability.Accumulating, d.State())

	var got uint64
	select {
	case got = <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never fired")
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+100*time.Millisecond)
	assert.Equal(t, cycle, got)

	res, decided := d.Expire(got, drift)
	require.True(t, decided)
	assert.True(t, res.Stable)
	assert.True(t, res.TimedOut)
	assert.InDelta(t, 0.01, res.Slope, 1e-9)
	assert.InDelta(t, 0, res.DC[0], 1e-9)
}

func TestDetectorLateTimeoutIsNoop(t *testing.T) {
	d, err := stability.NewDetector(1e-3, time.Hour, nil)
	require.NoError(t, err)

	cycle := d.Arm(func(uint64) {})
	flat := [][]float64{line(100, 1, 0)}
	_, decided := d.Evaluate(flat)
	require.True(t, decided)

	_, decided = d.Expire(cycle, flat)
	assert.False(t, decided)

	_, decided = d.Evaluate(flat)
	assert.False(t, decided, "a decided cycle stays decided until re-armed")

	next := d.Arm(func(uint64) {})
	_, decided = d.Expire(cycle, flat)
	assert.False(t, decided, "stale cycle must be ignored")
	assert.Equal(t, stability.Accumulating, d.State())

	_, decided = d.Expire(next, flat)
	assert.True(t, decided)
	d.Stop()
}

func TestNewDetectorRejectsNonPositiveSlope(t *testing.T) {
	_, err := stability.NewDetector(0, time.Second, nil)
	require.Error(t, err)
}
