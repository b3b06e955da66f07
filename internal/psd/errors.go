package psd

import "codeberg.org/mutker/devchar/internal/errors"

const (
	ErrInvalidConfig = errors.ErrorCode("psd_invalid_config")
	ErrNotArmed      = errors.ErrorCode("psd_not_armed")
	ErrNotFilled     = errors.ErrorCode("psd_not_filled")
	ErrEstimate      = errors.ErrorCode("psd_estimate_failed")
	ErrClosed        = errors.ErrorCode("psd_closed")
)
