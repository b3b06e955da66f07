// Package acquisition connects the live sample stream to the stability
// detector, the PSD estimator and the sweep state machine.
//
// Two contexts touch a Pipeline: the producer calling Supply, and the
// evaluation loop started by Run. Exactly one buffer is active at a time,
// selected by the stable flag; the flag, both buffers, the detector and the
// machine are guarded by a single mutex. Recorder and driver calls happen on
// the evaluation loop outside that mutex.
package acquisition

import (
	"context"
	"fmt"
	"sync"

	"codeberg.org/mutker/devchar/internal/buffer"
	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/logger"
	"codeberg.org/mutker/devchar/internal/psd"
	"codeberg.org/mutker/devchar/internal/stability"
	"codeberg.org/mutker/devchar/internal/sweep"
	"github.com/google/uuid"
)

type Pipeline struct {
	settings Settings
	runID    string
	log      logger.Logger
	recorder sweep.Recorder
	driver   sweep.Driver

	mu       sync.Mutex
	rolling  *buffer.Rolling
	spectrum *psd.Estimator
	detector *stability.Detector
	machine  *sweep.Machine
	stable   bool
	closed   bool
	sinceArm int
	dropped  int64

	wake     chan struct{}
	expired  chan uint64
	fault    chan error
	done     chan struct{}
	complete chan struct{}

	runOnce   sync.Once
	closeOnce sync.Once
}

type Option func(*Pipeline)

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(p *Pipeline) { p.runID = id }
}

func WithLogger(log logger.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

func New(settings Settings, recorder sweep.Recorder, driver sweep.Driver, opts ...Option) (*Pipeline, error) {
	errFactory := errors.New()

	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if recorder == nil || driver == nil {
		return nil, errFactory.WithData(ErrInvalidConfig, "recorder and driver are required")
	}

	p := &Pipeline{
		settings: settings,
		recorder: recorder,
		driver:   driver,
		wake:     make(chan struct{}, 1),
		expired:  make(chan uint64, 1),
		fault:    make(chan error, 1),
		done:     make(chan struct{}),
		complete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.runID == "" {
		p.runID = uuid.NewString()
	}
	if p.log == nil {
		p.log = logger.New("acquisition")
	}

	var err error
	p.rolling, err = buffer.NewRollingRows(settings.Fs, len(settings.Channels), settings.BufferRows())
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	p.detector, err = stability.NewDetector(settings.MaxSlope, settings.Timeout, p.log.With("stability"))
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if settings.ACEnabled {
		p.spectrum, err = psd.New(settings.PSD(), p.log.With("psd"))
		if err != nil {
			return nil, errFactory.Wrap(ErrInvalidConfig, err)
		}
	}

	p.machine, err = sweep.NewMachine(sweep.Config{
		RunID:     p.runID,
		Channels:  settings.Channels,
		VgValues:  settings.VgValues,
		VdValues:  settings.VdValues,
		ACEnabled: settings.ACEnabled,
	}, p.log.With("sweep"))
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	return p, nil
}

// Supply hands a chunk of contiguous rows from the instrument to the active
// buffer. A chunk whose rows do not match the configured channel count is
// rejected whole.
func (p *Pipeline) Supply(rows [][]float64) error {
	errFactory := errors.New()

	channels := len(p.settings.Channels)
	for i, row := range rows {
		if len(row) != channels {
			return errFactory.WithData(ErrChannelMismatch,
				fmt.Sprintf("row %d has %d values, want %d", i, len(row), channels))
		}
	}
	if len(rows) == 0 {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errFactory.New(ErrClosed)
	}

	var filled bool
	switch {
	case !p.stable:
		p.rolling.Append(rows)
		p.sinceArm += len(rows)
		filled = p.rolling.Filled()
	case p.spectrum != nil:
		err := p.spectrum.Append(rows)
		switch {
		case err == nil:
			filled = p.spectrum.Filled()
		case errors.HasCode(err, psd.ErrNotArmed):
			p.dropped += int64(len(rows))
		default:
			p.mu.Unlock()
			return errFactory.Wrap(ErrSpectrum, err)
		}
	default:
		p.dropped += int64(len(rows))
	}
	p.mu.Unlock()

	if filled {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}

	return nil
}

// Run applies the first setpoints and evaluates buffer fills until the sweep
// completes or fails. Cancelling ctx, calling Close and confirming an
// unrequested setpoint all end it early. It releases the pipeline before
// returning.
func (p *Pipeline) Run(ctx context.Context) error {
	errFactory := errors.New()

	started := false
	p.runOnce.Do(func() { started = true })
	if !started {
		return errFactory.New(ErrAlreadyRunning)
	}
	defer p.Close()

	p.mu.Lock()
	closed := p.closed
	setpoints := p.machine.Start()
	p.mu.Unlock()
	if closed {
		return errFactory.New(ErrClosed)
	}

	p.log.Info().
		Str("run_id", p.runID).
		Strs("channels", p.settings.Channels).
		Int("buffer_rows", p.settings.BufferRows()).
		Bool("ac_enabled", p.settings.ACEnabled).
		Msg("Sweep started")

	if err := p.apply(ctx, setpoints); err != nil {
		return err
	}
	p.arm()

	for {
		var (
			finished bool
			err      error
		)

		select {
		case fault := <-p.fault:
			return p.abort(fault)
		default:
		}

		select {
		case <-ctx.Done():
			p.log.Warn().Str("run_id", p.runID).Msg("Sweep interrupted")
			return errFactory.Wrap(ErrInterrupted, ctx.Err())
		case <-p.done:
			return errFactory.New(ErrClosed)
		case <-p.wake:
			finished, err = p.evaluate(ctx)
		case cycle := <-p.expired:
			finished, err = p.expire(ctx, cycle)
		case fault := <-p.fault:
			return p.abort(fault)
		}

		if err != nil {
			return err
		}
		if finished {
			return nil
		}
	}
}

func (p *Pipeline) abort(fault error) error {
	p.log.Error().Err(fault).Str("run_id", p.runID).Msg("Sweep aborted by bias driver")
	return errors.New().Wrap(ErrSweep, fault)
}

func (p *Pipeline) evaluate(ctx context.Context) (bool, error) {
	p.mu.Lock()

	if !p.stable {
		if !p.rolling.Filled() {
			p.mu.Unlock()
			return false, nil
		}
		columns := p.rolling.Columns()
		p.rolling.Reset()

		res, decided := p.detector.Evaluate(columns)
		if !decided {
			p.mu.Unlock()
			return false, nil
		}
		err := p.handoffLocked()
		p.mu.Unlock()
		if err != nil {
			return false, err
		}

		return p.onStable(ctx, res)
	}

	if p.spectrum == nil || !p.spectrum.Filled() {
		p.mu.Unlock()
		return false, nil
	}
	p.mu.Unlock()

	res, err := p.spectrum.Estimate()
	if err != nil {
		return false, errors.New().Wrap(ErrSpectrum, err)
	}

	return p.onSpectrum(ctx, res)
}

func (p *Pipeline) expire(ctx context.Context, cycle uint64) (bool, error) {
	p.mu.Lock()
	if p.stable {
		p.mu.Unlock()
		return false, nil
	}

	if p.sinceArm == 0 {
		p.log.Warn().Uint64("cycle", cycle).Msg("No samples arrived before the stability timeout")
	}
	columns := p.rolling.Last(p.sinceArm)

	res, decided := p.detector.Expire(cycle, columns)
	if !decided {
		p.mu.Unlock()
		return false, nil
	}
	p.rolling.Reset()
	err := p.handoffLocked()
	p.mu.Unlock()
	if err != nil {
		return false, err
	}

	return p.onStable(ctx, res)
}

// handoffLocked routes further samples to the PSD buffer, or nowhere when
// spectra are disabled.
func (p *Pipeline) handoffLocked() error {
	p.stable = true
	if p.spectrum == nil {
		return nil
	}
	if err := p.spectrum.Arm(); err != nil {
		return errors.New().Wrap(ErrSpectrum, err)
	}
	return nil
}

func (p *Pipeline) onStable(ctx context.Context, res stability.Result) (bool, error) {
	errFactory := errors.New()

	p.mu.Lock()
	point, err := p.machine.Stable(res)
	state := p.machine.State()
	p.mu.Unlock()
	if err != nil {
		return false, errFactory.Wrap(ErrSweep, err)
	}

	if err := p.recorder.RecordDC(ctx, point); err != nil {
		return false, errFactory.Wrap(ErrRecorder, err)
	}

	if state == sweep.Advancing {
		return p.advance(ctx)
	}
	return false, nil
}

func (p *Pipeline) onSpectrum(ctx context.Context, res psd.Result) (bool, error) {
	errFactory := errors.New()

	p.mu.Lock()
	point, err := p.machine.Spectrum(res)
	p.mu.Unlock()
	if err != nil {
		return false, errFactory.Wrap(ErrSweep, err)
	}
	p.spectrum.Disarm()

	if err := p.recorder.RecordPSD(ctx, point); err != nil {
		return false, errFactory.Wrap(ErrRecorder, err)
	}

	return p.advance(ctx)
}

func (p *Pipeline) advance(ctx context.Context) (bool, error) {
	errFactory := errors.New()

	p.mu.Lock()
	setpoints, done, err := p.machine.Advance()
	dropped := p.dropped
	p.dropped = 0
	p.mu.Unlock()
	if err != nil {
		return false, errFactory.Wrap(ErrSweep, err)
	}

	p.log.Debug().Int64("dropped_rows", dropped).Msg("Coordinate finished")

	if done {
		p.mu.Lock()
		summary := p.machine.Summary()
		p.mu.Unlock()

		if err := p.recorder.SweepComplete(ctx, summary); err != nil {
			return false, errFactory.Wrap(ErrRecorder, err)
		}
		close(p.complete)
		p.log.Info().
			Str("run_id", p.runID).
			Int("dc_points", len(summary.DC)).
			Int("psd_points", len(summary.PSD)).
			Msg("Sweep finished")

		return true, nil
	}

	if err := p.apply(ctx, setpoints); err != nil {
		return false, err
	}

	p.mu.Lock()
	p.stable = false
	p.mu.Unlock()
	p.arm()

	return false, nil
}

func (p *Pipeline) apply(ctx context.Context, setpoints []sweep.Setpoint) error {
	for _, sp := range setpoints {
		p.log.Info().
			Str("terminal", string(sp.Terminal)).
			Int("index", sp.Index).
			Float64("value", sp.Value).
			Msg("Applying setpoint")

		if err := p.driver.Apply(ctx, sp); err != nil {
			return errors.New().WrapWithData(ErrDriver, err, sp)
		}
	}
	return nil
}

// arm discards rows that arrived before the latest setpoint and restarts the
// stability timeout.
func (p *Pipeline) arm() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.rolling.Reset()
	p.sinceArm = 0
	p.detector.Arm(p.fireTimeout)
}

func (p *Pipeline) fireTimeout(cycle uint64) {
	select {
	case p.expired <- cycle:
	case <-p.done:
	}
}

// ConfirmSetpoint lets the bias driver report the setpoint it applied. A
// setpoint that was never requested is fatal: Run stops with the error.
func (p *Pipeline) ConfirmSetpoint(sp sweep.Setpoint) error {
	p.mu.Lock()
	err := p.machine.Confirm(sp)
	p.mu.Unlock()
	if err == nil {
		return nil
	}

	p.log.Error().Err(err).Msg("Driver reported an unrequested setpoint")
	select {
	case p.fault <- err:
	default:
	}
	return err
}

// Close stops the evaluation loop, cancels the pending timeout and releases
// the PSD estimator. It is safe to call more than once.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.detector.Stop()
		p.mu.Unlock()

		if p.spectrum != nil {
			p.spectrum.Close()
		}
		close(p.done)

		p.log.Debug().Str("run_id", p.runID).Msg("Pipeline closed")
	})
}

// Complete is closed once every coordinate has been measured.
func (p *Pipeline) Complete() <-chan struct{} { return p.complete }

// Done is closed once the pipeline has been shut down.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

func (p *Pipeline) RunID() string { return p.runID }

func (p *Pipeline) Settings() Settings { return p.settings }

func (p *Pipeline) Progress() sweep.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.Progress()
}

func (p *Pipeline) Summary() sweep.Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.machine.Summary()
}

// Stable reports which buffer currently receives samples.
func (p *Pipeline) Stable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stable
}
