// Package source provides a simulated device under test for dry runs.
package source

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/logger"
	"codeberg.org/mutker/devchar/internal/sweep"
)

const ErrInvalidConfig = errors.ErrorCode("source_invalid_config")

// Config describes the simulated device. Channel i settles towards
// Gain[i]*(Offset + Vd + Transconductance*Vg) with a first-order response.
type Config struct {
	Fs               float64
	Gain             []float64
	Offset           float64
	Transconductance float64
	TimeConstant     time.Duration
	Noise            float64
	ToneFrequency    float64
	ToneAmplitude    float64
	ChunkRows        int
	Seed             int64
}

func DefaultConfig() Config {
	return Config{
		Fs:               1000,
		Gain:             []float64{1, 0.5},
		Offset:           0.1,
		Transconductance: 2,
		TimeConstant:     50 * time.Millisecond,
		Noise:            1e-6,
		ToneFrequency:    50,
		ToneAmplitude:    1e-5,
		ChunkRows:        50,
		Seed:             1,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Fs <= 0:
		return errFactory.WithData(ErrInvalidConfig, "fs must be positive")
	case len(c.Gain) == 0:
		return errFactory.WithData(ErrInvalidConfig, "at least one channel gain is required")
	case c.ChunkRows <= 0:
		return errFactory.WithData(ErrInvalidConfig, "chunk rows must be positive")
	case c.TimeConstant < 0 || c.Noise < 0:
		return errFactory.WithData(ErrInvalidConfig, "time constant and noise must not be negative")
	}
	return nil
}

// Sink receives contiguous rows, one value per channel.
type Sink func(rows [][]float64) error

// Confirmer is told about every setpoint once it has been applied.
type Confirmer func(sp sweep.Setpoint) error

type Simulator struct {
	cfg     Config
	log     logger.Logger
	confirm Confirmer
	alpha   float64

	mu     sync.Mutex
	rng    *rand.Rand
	vg, vd float64
	level  []float64
	sample int64
}

func NewSimulator(cfg Config, log logger.Logger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.New("source")
	}

	alpha := 1.0
	if cfg.TimeConstant > 0 {
		alpha = 1 - math.Exp(-1/(cfg.Fs*cfg.TimeConstant.Seconds()))
	}

	s := &Simulator{
		cfg:   cfg,
		log:   log,
		alpha: alpha,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		level: make([]float64, len(cfg.Gain)),
	}
	for i := range s.level {
		s.level[i] = s.targetLocked(i)
	}
	return s, nil
}

// OnApplied registers a callback run after each Apply.
func (s *Simulator) OnApplied(fn Confirmer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirm = fn
}

func (s *Simulator) Channels() int { return len(s.cfg.Gain) }

// Apply moves the simulated bias. The output settles over TimeConstant.
func (s *Simulator) Apply(_ context.Context, sp sweep.Setpoint) error {
	s.mu.Lock()
	switch sp.Terminal {
	case sweep.Gate:
		s.vg = sp.Value
	case sweep.Drain:
		s.vd = sp.Value
	default:
		s.mu.Unlock()
		return errors.New().WithData(errors.ErrInvalidArgument, sp)
	}
	confirm := s.confirm
	s.mu.Unlock()

	s.log.Debug().
		Str("terminal", string(sp.Terminal)).
		Float64("value", sp.Value).
		Msg("Simulated bias applied")

	if confirm != nil {
		return confirm(sp)
	}
	return nil
}

// Target is the value channel ch settles to at the current bias.
func (s *Simulator) Target(ch int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetLocked(ch)
}

func (s *Simulator) targetLocked(ch int) float64 {
	return s.cfg.Gain[ch] * (s.cfg.Offset + s.vd + s.cfg.Transconductance*s.vg)
}

// Next generates n rows.
func (s *Simulator) Next(n int) [][]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([][]float64, n)
	for r := range rows {
		t := float64(s.sample) / s.cfg.Fs
		tone := s.cfg.ToneAmplitude * math.Sin(2*math.Pi*s.cfg.ToneFrequency*t)

		row := make([]float64, len(s.level))
		for ch := range row {
			s.level[ch] += s.alpha * (s.targetLocked(ch) - s.level[ch])
			row[ch] = s.level[ch] + tone + s.cfg.Noise*s.rng.NormFloat64()
		}
		rows[r] = row
		s.sample++
	}
	return rows
}

// Run streams ChunkRows rows to sink at the configured sample rate until ctx
// is cancelled or sink fails.
func (s *Simulator) Run(ctx context.Context, sink Sink) error {
	interval := time.Duration(float64(s.cfg.ChunkRows) / s.cfg.Fs * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().
		Float64("fs", s.cfg.Fs).
		Int("channels", len(s.cfg.Gain)).
		Dur("chunk_interval", interval).
		Msg("Simulated source started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sink(s.Next(s.cfg.ChunkRows)); err != nil {
				return err
			}
		}
	}
}
