package acquisition

import "codeberg.org/mutker/devchar/internal/errors"

const (
	ErrInvalidConfig   = errors.ErrorCode("acquisition_invalid_config")
	ErrChannelMismatch = errors.ErrorCode("acquisition_channel_mismatch")
	ErrClosed          = errors.ErrorCode("acquisition_closed")
	ErrAlreadyRunning  = errors.ErrorCode("acquisition_already_running")
	ErrInterrupted     = errors.ErrorCode("acquisition_interrupted")
	ErrDriver          = errors.ErrorCode("acquisition_driver_failed")
	ErrRecorder        = errors.ErrorCode("acquisition_recorder_failed")
	ErrSpectrum        = errors.ErrorCode("acquisition_spectrum_failed")
	ErrSweep           = errors.ErrorCode("acquisition_sweep_failed")
)
