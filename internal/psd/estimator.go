// Package psd accumulates post-stability samples and turns them into Welch
// power spectral density estimates.
package psd

import (
	"math"
	"sync"

	"codeberg.org/mutker/devchar/internal/buffer"
	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/logger"
)

// Config describes one estimator. The accumulation buffer holds
// 2^NFFT * NAvg rows.
type Config struct {
	Fs       float64
	Channels int
	NFFT     int
	NAvg     int
	Scaling  Scaling
}

func (c Config) SegmentLength() int { return 1 << c.NFFT }
func (c Config) BufferRows() int    { return c.SegmentLength() * c.NAvg }

func (c Config) Validate() error {
	errFactory := errors.New()
	switch {
	case c.Fs <= 0 || math.IsNaN(c.Fs):
		return errFactory.WithData(ErrInvalidConfig, "fs must be positive")
	case c.Channels <= 0:
		return errFactory.WithData(ErrInvalidConfig, "at least one channel required")
	case c.NFFT < 1 || c.NFFT > 24:
		return errFactory.WithData(ErrInvalidConfig, "nfft must be within [1, 24]")
	case c.NAvg < 1:
		return errFactory.WithData(ErrInvalidConfig, "navg must be at least 1")
	case !c.Scaling.IsValid():
		return errFactory.WithData(ErrInvalidConfig, "scaling must be density or spectrum")
	}
	return nil
}

// Result holds one spectrum per channel over a shared frequency axis.
type Result struct {
	Frequencies []float64
	Power       [][]float64
}

// Peak returns the index of the largest non-DC bin of channel ch.
func (r Result) Peak(ch int) int {
	best := 0
	for k := 1; k < len(r.Power[ch]); k++ {
		if best == 0 || r.Power[ch][k] > r.Power[ch][best] {
			best = k
		}
	}
	return best
}

// Estimator accepts rows only while armed. It is safe for concurrent use.
type Estimator struct {
	mu     sync.Mutex
	cfg    Config
	buf    *buffer.Rolling
	welch  *Welch
	armed  bool
	closed bool
	log    logger.Logger
}

func New(cfg Config, log logger.Logger) (*Estimator, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.New("psd")
	}

	buf, err := buffer.NewRollingRows(cfg.Fs, cfg.Channels, cfg.BufferRows())
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	welch, err := NewWelch(cfg.Fs, cfg.SegmentLength(), cfg.Scaling)
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	log.Debug().
		Int("segment", cfg.SegmentLength()).
		Int("navg", cfg.NAvg).
		Int("buffer_rows", cfg.BufferRows()).
		Str("scaling", string(cfg.Scaling)).
		Msg("PSD estimator initialized")

	return &Estimator{
		cfg:   cfg,
		buf:   buf,
		welch: welch,
		log:   log,
	}, nil
}

// Arm starts a fresh accumulation.
func (e *Estimator) Arm() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return errors.New().New(ErrClosed)
	}
	e.buf.Reset()
	e.armed = true

	return nil
}

func (e *Estimator) Disarm() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.armed = false
}

func (e *Estimator) Armed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.armed
}

// Append adds rows to an armed estimator.
func (e *Estimator) Append(rows [][]float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		return errors.New().New(ErrClosed)
	case !e.armed:
		return errors.New().New(ErrNotArmed)
	}
	e.buf.Append(rows)

	return nil
}

// Accumulated copies, per channel, the rows appended since the last Arm.
func (e *Estimator) Accumulated() [][]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf.Last(e.buf.Counter())
}

// Filled reports whether an armed estimator holds a full set of segments.
func (e *Estimator) Filled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.armed && !e.closed && e.buf.Filled()
}

// Estimate computes the spectra of the accumulated rows, then resets and
// disarms the estimator. Only one goroutine may call Estimate at a time.
func (e *Estimator) Estimate() (Result, error) {
	errFactory := errors.New()

	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return Result{}, errFactory.New(ErrClosed)
	case !e.armed || !e.buf.Filled():
		e.mu.Unlock()
		return Result{}, errFactory.New(ErrNotFilled)
	}
	columns := e.buf.Columns()
	e.buf.Reset()
	e.armed = false
	e.mu.Unlock()

	res := Result{
		Frequencies: e.welch.Frequencies(),
		Power:       make([][]float64, len(columns)),
	}
	for ch, col := range columns {
		power, err := e.welch.Estimate(col)
		if err != nil {
			return Result{}, errFactory.WrapWithData(ErrEstimate, err, ch)
		}
		res.Power[ch] = power
	}

	e.log.Debug().
		Int("bins", len(res.Frequencies)).
		Int("segments", e.welch.Segments(len(columns[0]))).
		Msg("PSD estimated")

	return res, nil
}

// Close releases the buffers. Further calls fail with ErrClosed.
func (e *Estimator) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	e.armed = false
	e.buf = nil
}

func (e *Estimator) Config() Config { return e.cfg }
