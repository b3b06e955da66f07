package notify

import "codeberg.org/mutker/devchar/internal/errors"

const (
	ErrInvalidConfig = errors.ErrorCode("notify_invalid_config")
	ErrConnect       = errors.ErrorCode("notify_connect_failed")
	ErrPublish       = errors.ErrorCode("notify_publish_failed")
	ErrEncode        = errors.ErrorCode("notify_encode_failed")
	ErrSubscribe     = errors.ErrorCode("notify_subscribe_failed")
	ErrClosed        = errors.ErrClosed
)
