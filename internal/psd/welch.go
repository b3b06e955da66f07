package psd

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Scaling selects the Welch normalisation.
type Scaling string

const (
	// Density yields V**2/Hz.
	Density Scaling = "density"
	// Spectrum yields V**2.
	Spectrum Scaling = "spectrum"
)

func (s Scaling) IsValid() bool {
	return s == Density || s == Spectrum
}

// Hann returns the periodic Hann window of length n.
func Hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// Welch estimates a one-sided power spectrum with half-overlapping, mean
// detrended, Hann windowed segments of length nperseg. It is reusable for
// several signals of the same segment length.
type Welch struct {
	fs      float64
	nperseg int
	scaling Scaling
	window  []float64
	scale   float64
	fft     *fourier.FFT
	seg     []float64
	coeff   []complex128
}

func NewWelch(fs float64, nperseg int, scaling Scaling) (*Welch, error) {
	if fs <= 0 {
		return nil, fmt.Errorf("invalid sample rate %v", fs)
	}
	if nperseg < 2 {
		return nil, fmt.Errorf("segment length must be at least 2, got %d", nperseg)
	}
	if !scaling.IsValid() {
		return nil, fmt.Errorf("unknown scaling %q", scaling)
	}

	window := Hann(nperseg)
	var scale float64
	switch scaling {
	case Density:
		scale = 1 / (fs * floats.Dot(window, window))
	case Spectrum:
		sum := floats.Sum(window)
		scale = 1 / (sum * sum)
	}

	return &Welch{
		fs:      fs,
		nperseg: nperseg,
		scaling: scaling,
		window:  window,
		scale:   scale,
		fft:     fourier.NewFFT(nperseg),
		seg:     make([]float64, nperseg),
	}, nil
}

// Frequencies is the shared axis, nperseg/2+1 bins from 0 to fs/2.
func (w *Welch) Frequencies() []float64 {
	freqs := make([]float64, w.nperseg/2+1)
	for i := range freqs {
		freqs[i] = w.fft.Freq(i) * w.fs
	}
	return freqs
}

// Segments is the number of averaged segments for a signal of n samples.
func (w *Welch) Segments(n int) int {
	if n < w.nperseg {
		return 0
	}
	step := w.nperseg - w.nperseg/2
	return (n-w.nperseg)/step + 1
}

// Estimate returns the averaged periodogram of x.
func (w *Welch) Estimate(x []float64) ([]float64, error) {
	segments := w.Segments(len(x))
	if segments == 0 {
		return nil, fmt.Errorf("signal of %d samples is shorter than one segment (%d)", len(x), w.nperseg)
	}

	bins := w.nperseg/2 + 1
	power := make([]float64, bins)
	step := w.nperseg - w.nperseg/2

	for s := 0; s < segments; s++ {
		chunk := x[s*step : s*step+w.nperseg]
		mean := stat.Mean(chunk, nil)
		for i, v := range chunk {
			w.seg[i] = (v - mean) * w.window[i]
		}

		w.coeff = w.fft.Coefficients(w.coeff, w.seg)
		for k, c := range w.coeff {
			power[k] += real(c)*real(c) + imag(c)*imag(c)
		}
	}

	norm := w.scale / float64(segments)
	for k := range power {
		power[k] *= norm
		if k != 0 && !(w.nperseg%2 == 0 && k == bins-1) {
			power[k] *= 2
		}
	}

	return power, nil
}
