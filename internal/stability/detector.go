// Package stability decides when a biased device has settled: a linear-trend
// test on every filled buffer, backed by a wall-clock timeout.
package stability

import (
	"fmt"
	"time"

	"codeberg.org/mutker/devchar/internal/logger"
)

type State int

const (
	Accumulating State = iota
	Decided
)

func (s State) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Decided:
		return "decided"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result is produced once per cycle, either by the slope test or by the
// timeout. Stable is true in both cases; TimedOut tells them apart.
type Result struct {
	Cycle    uint64
	Stable   bool
	TimedOut bool
	Slope    float64
	DC       []float64
	Elapsed  time.Duration
}

// Detector is not safe for concurrent use. The timeout callback handed to Arm
// runs on its own goroutine and must only forward the cycle id to the owner,
// which then calls Expire.
type Detector struct {
	maxSlope  float64
	timeout   time.Duration
	state     State
	cycle     uint64
	started   time.Time
	timer     *Timeout
	lastSlope float64
	log       logger.Logger
}

func NewDetector(maxSlope float64, timeout time.Duration, log logger.Logger) (*Detector, error) {
	if maxSlope <= 0 {
		return nil, fmt.Errorf("max slope must be positive, got %v", maxSlope)
	}
	if log == nil {
		log = logger.New("stability")
	}

	return &Detector{
		maxSlope: maxSlope,
		timeout:  timeout,
		state:    Accumulating,
		log:      log,
	}, nil
}

// Arm starts a new cycle and its timeout. Any timer left from the previous
// cycle is cancelled first.
func (d *Detector) Arm(fire func(cycle uint64)) uint64 {
	d.timer.Cancel()

	d.cycle++
	d.state = Accumulating
	d.started = time.Now()
	d.lastSlope = 0

	cycle := d.cycle
	d.timer = nil
	if d.timeout > 0 && fire != nil {
		d.timer = StartTimeout(d.timeout, func() { fire(cycle) })
	}

	d.log.Debug().Uint64("cycle", cycle).Dur("timeout", d.timeout).Msg("Stability cycle armed")

	return cycle
}

// Evaluate runs the slope test on a filled buffer copy. It returns false while
// the signal is still drifting and after the cycle has already been decided.
func (d *Detector) Evaluate(columns [][]float64) (Result, bool) {
	if d.state == Decided {
		return Result{}, false
	}

	slope := MeanAbsSlope(columns)
	d.lastSlope = slope

	if slope >= d.maxSlope {
		d.log.Debug().
			Uint64("cycle", d.cycle).
			Float64("slope", slope).
			Float64("max_slope", d.maxSlope).
			Msg("Signal not stable yet")
		return Result{}, false
	}

	d.timer.Cancel()
	d.log.Info().Uint64("cycle", d.cycle).Float64("slope", slope).Msg("Signal stable")

	return d.decide(columns, slope, false), true
}

// Expire handles a timeout for cycle. Stale cycles and cycles already decided
// by the slope test are ignored.
func (d *Detector) Expire(cycle uint64, columns [][]float64) (Result, bool) {
	if cycle != d.cycle || d.state == Decided {
		d.log.Debug().
			Uint64("cycle", cycle).
			Uint64("current_cycle", d.cycle).
			Str("state", d.state.String()).
			Msg("Ignoring late timeout")
		return Result{}, false
	}

	d.log.Warn().
		Uint64("cycle", cycle).
		Float64("last_slope", d.lastSlope).
		Dur("timeout", d.timeout).
		Msg("Stability timeout, accepting data")

	return d.decide(columns, d.lastSlope, true), true
}

func (d *Detector) decide(columns [][]float64, slope float64, timedOut bool) Result {
	d.state = Decided
	d.timer = nil

	return Result{
		Cycle:    d.cycle,
		Stable:   true,
		TimedOut: timedOut,
		Slope:    slope,
		DC:       DCLevels(columns),
		Elapsed:  time.Since(d.started),
	}
}

// Stop cancels the pending timeout, if any.
func (d *Detector) Stop() {
	d.timer.Cancel()
	d.timer = nil
}

func (d *Detector) State() State       { return d.state }
func (d *Detector) Cycle() uint64      { return d.cycle }
func (d *Detector) MaxSlope() float64  { return d.maxSlope }
func (d *Detector) LastSlope() float64 { return d.lastSlope }
