package sweep

import "codeberg.org/mutker/devchar/internal/errors"

const (
	ErrInvalidConfig = errors.ErrorCode("sweep_invalid_config")
	ErrInvalidState  = errors.ErrorCode("sweep_invalid_state")
	ErrIndexOverrun  = errors.ErrorCode("sweep_index_overrun")
	ErrDriver        = errors.ErrorCode("sweep_driver_failed")
	ErrRecorder      = errors.ErrorCode("sweep_recorder_failed")
)
