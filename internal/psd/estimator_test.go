package psd_test

import (
	"math"
	"testing"

	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/psd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toRows(cols ...[]float64) [][]float64 {
	rows := make([][]float64, len(cols[0]))
	for i := range rows {
		row := make([]float64, len(cols))
		for ch, col := range cols {
			row[ch] = col[i]
		}
		rows[i] = row
	}
	return rows
}

func feed(t *testing.T, e *psd.Estimator, rows [][]float64, chunk int) {
	t.Helper()
	for start := 0; start < len(rows); start += chunk {
		end := min(start+chunk, len(rows))
		require.NoError(t, e.Append(rows[start:end]))
	}
}

func estimate(t *testing.T, scaling psd.Scaling, rows [][]float64) psd.Result {
	t.Helper()
	e, err := psd.New(psd.Config{Fs: 2000, Channels: 2, NFFT: 9, NAvg: 3, Scaling: scaling}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Arm())

	feed(t, e, rows, 97)
	require.True(t, e.Filled())

	res, err := e.Estimate()
	require.NoError(t, err)
	assert.False(t, e.Armed())
	assert.False(t, e.Filled())
	return res
}

func TestEstimatorSinePeakBothScalings(t *testing.T) {
	const fs = 2000.0
	n := (1 << 9) * 3
	df := fs / (1 << 9)
	f0, f1 := 187.0, 601.0

	rows := toRows(sine(n, fs, f0, 1), sine(n, fs, f1, 0.2))

	density := estimate(t, psd.Density, rows)
	spectrum := estimate(t, psd.Spectrum, rows)

	for _, res := range []psd.Result{density, spectrum} {
		require.Len(t, res.Power, 2)
		require.Len(t, res.Frequencies, 257)
		assert.InDelta(t, f0, res.Frequencies[res.Peak(0)], df)
		assert.InDelta(t, f1, res.Frequencies[res.Peak(1)], df)
	}

	// Hann window equivalent noise bandwidth is 1.5 bins.
	wantRatio := 1 / (1.5 * df)
	for ch := range density.Power {
		for k, p := range spectrum.Power[ch] {
			if p < 1e-12 {
				continue
			}
			assert.InEpsilon(t, wantRatio, density.Power[ch][k]/p, 1e-9, "ch %d bin %d", ch, k)
		}
	}
}

func TestEstimatorRequiresArming(t *testing.T) {
	e, err := psd.New(psd.Config{Fs: 100, Channels: 1, NFFT: 4, NAvg: 2, Scaling: psd.Density}, nil)
	require.NoError(t, err)
	assert.Equal(t, 32, e.Config().BufferRows())

	err = e.Append([][]float64{{1}})
	assert.True(t, errors.HasCode(err, psd.ErrNotArmed))

	_, err = e.Estimate()
	assert.True(t, errors.HasCode(err, psd.ErrNotFilled))

	require.NoError(t, e.Arm())
	feed(t, e, toRows(sine(20, 100, 10, 1)), 20)
	assert.False(t, e.Filled())
	_, err = e.Estimate()
	assert.True(t, errors.HasCode(err, psd.ErrNotFilled))

	e.Disarm()
	assert.False(t, e.Filled())
}

func TestEstimatorRearmStartsFresh(t *testing.T) {
	e, err := psd.New(psd.Config{Fs: 100, Channels: 1, NFFT: 4, NAvg: 2, Scaling: psd.Spectrum}, nil)
	require.NoError(t, err)

	require.NoError(t, e.Arm())
	feed(t, e, toRows(sine(20, 100, 10, 1)), 5)
	require.NoError(t, e.Arm())
	feed(t, e, toRows(sine(20, 100, 10, 1)), 5)
	assert.False(t, e.Filled(), "re-arming discards the partial accumulation")
}

func TestEstimatorAccumulatedSinceArm(t *testing.T) {
	e, err := psd.New(psd.Config{Fs: 100, Channels: 1, NFFT: 4, NAvg: 2, Scaling: psd.Density}, nil)
	require.NoError(t, err)

	require.NoError(t, e.Arm())
	require.NoError(t, e.Append([][]float64{{1}, {2}, {3}}))
	require.NoError(t, e.Arm())
	require.NoError(t, e.Append([][]float64{{4}, {5}}))

	assert.Equal(t, [][]float64{{4, 5}}, e.Accumulated())
}

func TestEstimatorClose(t *testing.T) {
	e, err := psd.New(psd.Config{Fs: 100, Channels: 1, NFFT: 4, NAvg: 1, Scaling: psd.Density}, nil)
	require.NoError(t, err)
	require.NoError(t, e.Arm())

	e.Close()
	e.Close()

	assert.True(t, errors.HasCode(e.Arm(), psd.ErrClosed))
	assert.True(t, errors.HasCode(e.Append([][]float64{{math.Pi}}), psd.ErrClosed))
	_, err = e.Estimate()
	assert.True(t, errors.HasCode(err, psd.ErrClosed))
	assert.False(t, e.Filled())
}

func TestConfigValidate(t *testing.T) {
	base := psd.Config{Fs: 100, Channels: 1, NFFT: 4, NAvg: 1, Scaling: psd.Density}
	require.NoError(t, base.Validate())

	for name, mutate := range map[string]func(*psd.Config){
		"fs":       func(c *psd.Config) { c.Fs = 0 },
		"channels": func(c *psd.Config) { c.Channels = 0 },
		"nfft":     func(c *psd.Config) { c.NFFT = 0 },
		"navg":     func(c *psd.Config) { c.NAvg = 0 },
		"scaling":  func(c *psd.Config) { c.Scaling = "log" },
	} {
		cfg := base
		mutate(&cfg)
		err := cfg.Validate()
		assert.True(t, errors.HasCode(err, psd.ErrInvalidConfig), name)
	}
}
