package acquisition

import (
	"fmt"
	"math"
	"time"

	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/psd"
)

// Settings are fixed for the lifetime of one pipeline.
type Settings struct {
	Fs         float64
	Channels   []string
	MaxSlope   float64
	Timeout    time.Duration
	ViewBuffer float64
	ACEnabled  bool
	NFFT       int
	NAvg       int
	Scaling    psd.Scaling
	VgValues   []float64
	VdValues   []float64
}

// BufferRows is the rolling buffer capacity, floor(ViewBuffer*Fs).
func (s Settings) BufferRows() int {
	return int(math.Floor(s.ViewBuffer * s.Fs))
}

func (s Settings) PSD() psd.Config {
	return psd.Config{
		Fs:       s.Fs,
		Channels: len(s.Channels),
		NFFT:     s.NFFT,
		NAvg:     s.NAvg,
		Scaling:  s.Scaling,
	}
}

func (s Settings) Validate() error {
	errFactory := errors.New()

	invalid := func(format string, args ...any) error {
		return errFactory.WithData(ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch {
	case s.Fs <= 0:
		return invalid("fs must be positive, got %v", s.Fs)
	case len(s.Channels) == 0:
		return invalid("at least one channel is required")
	case s.MaxSlope <= 0:
		return invalid("max slope must be positive, got %v", s.MaxSlope)
	case s.Timeout <= 0:
		return invalid("timeout must be positive, got %v", s.Timeout)
	case s.BufferRows() < 2:
		return invalid("view buffer of %vs holds %d rows at %v Hz, need at least 2", s.ViewBuffer, s.BufferRows(), s.Fs)
	case len(s.VgValues) == 0 || len(s.VdValues) == 0:
		return invalid("vg and vd sweep values are required")
	}

	seen := make(map[string]bool, len(s.Channels))
	for _, name := range s.Channels {
		if name == "" || seen[name] {
			return invalid("channel names must be unique and non-empty, got %q", name)
		}
		seen[name] = true
	}

	if s.ACEnabled {
		if err := s.PSD().Validate(); err != nil {
			return errFactory.Wrap(ErrInvalidConfig, err)
		}
	}

	return nil
}
