package sweep

import (
	"context"

	"codeberg.org/mutker/devchar/internal/errors"
)

// Drivers applies a setpoint to every driver in order and stops at the first
// failure.
type Drivers []Driver

func (ds Drivers) Apply(ctx context.Context, sp Setpoint) error {
	for _, d := range ds {
		if err := d.Apply(ctx, sp); err != nil {
			return errors.New().WrapWithData(ErrDriver, err, sp)
		}
	}
	return nil
}

// Recorders forwards each call to every recorder in order and stops at the
// first failure.
type Recorders []Recorder

func (rs Recorders) RecordDC(ctx context.Context, point DCPoint) error {
	for _, r := range rs {
		if err := r.RecordDC(ctx, point); err != nil {
			return errors.New().Wrap(ErrRecorder, err)
		}
	}
	return nil
}

func (rs Recorders) RecordPSD(ctx context.Context, point PSDPoint) error {
	for _, r := range rs {
		if err := r.RecordPSD(ctx, point); err != nil {
			return errors.New().Wrap(ErrRecorder, err)
		}
	}
	return nil
}

func (rs Recorders) SweepComplete(ctx context.Context, summary Summary) error {
	for _, r := range rs {
		if err := r.SweepComplete(ctx, summary); err != nil {
			return errors.New().Wrap(ErrRecorder, err)
		}
	}
	return nil
}
