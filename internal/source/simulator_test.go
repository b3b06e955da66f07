package source_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/source"
	"codeberg.org/mutker/devchar/internal/sweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() source.Config {
	cfg := source.DefaultConfig()
	cfg.Noise = 0
	cfg.ToneAmplitude = 0
	return cfg
}

func TestSimulatorSettlesToTarget(t *testing.T) {
	sim, err := source.NewSimulator(quiet(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sim.Channels())

	rows := sim.Next(10)
	assert.InDelta(t, 0.1, rows[9][0], 1e-12)
	assert.InDelta(t, 0.05, rows[9][1], 1e-12)

	ctx := context.Background()
	require.NoError(t, sim.Apply(ctx, sweep.Setpoint{Terminal: sweep.Drain, Value: 0.5}))
	require.NoError(t, sim.Apply(ctx, sweep.Setpoint{Terminal: sweep.Gate, Value: -0.1}))
	assert.InDelta(t, 0.4, sim.Target(0), 1e-12)

	first := sim.Next(1)[0][0]
	assert.Greater(t, first, 0.1)
	assert.Less(t, first, 0.4)

	// ten time constants
	rows = sim.Next(500)
	assert.InDelta(t, 0.4, rows[499][0], 1e-4)
	assert.InDelta(t, 0.2, rows[499][1], 1e-4)
}

func TestSimulatorRejectsUnknownTerminal(t *testing.T) {
	sim, err := source.NewSimulator(quiet(), nil)
	require.NoError(t, err)

	err = sim.Apply(context.Background(), sweep.Setpoint{Terminal: "vs"})
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestSimulatorConfirms(t *testing.T) {
	sim, err := source.NewSimulator(quiet(), nil)
	require.NoError(t, err)

	var got []sweep.Setpoint
	sim.OnApplied(func(sp sweep.Setpoint) error {
		got = append(got, sp)
		return nil
	})

	sp := sweep.Setpoint{Terminal: sweep.Gate, Index: 3, Value: -0.3}
	require.NoError(t, sim.Apply(context.Background(), sp))
	assert.Equal(t, []sweep.Setpoint{sp}, got)

	boom := stderrors.New("unrequested")
	sim.OnApplied(func(sweep.Setpoint) error { return boom })
	assert.ErrorIs(t, sim.Apply(context.Background(), sp), boom)
}

func TestSimulatorRunStreamsChunks(t *testing.T) {
	cfg := quiet()
	cfg.Fs = 10000
	cfg.ChunkRows = 20
	sim, err := source.NewSimulator(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		chunks int
	)
	sink := func(rows [][]float64) error {
		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, rows, 20)
		chunks++
		if chunks == 5 {
			cancel()
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx, sink) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.GreaterOrEqual(t, chunks, 5)
}

func TestSimulatorRunStopsOnSinkError(t *testing.T) {
	cfg := quiet()
	cfg.Fs = 10000
	sim, err := source.NewSimulator(cfg, nil)
	require.NoError(t, err)

	closed := stderrors.New("closed")
	err = sim.Run(context.Background(), func([][]float64) error { return closed })
	assert.ErrorIs(t, err, closed)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, source.DefaultConfig().Validate())

	cfg := source.DefaultConfig()
	cfg.Gain = nil
	assert.True(t, errors.HasCode(cfg.Validate(), source.ErrInvalidConfig))

	cfg = source.DefaultConfig()
	cfg.ChunkRows = 0
	assert.True(t, errors.HasCode(cfg.Validate(), source.ErrInvalidConfig))
}
