package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"codeberg.org/mutker/devchar/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestFactoryMessages(t *testing.T) {
	f := errors.New()

	assert.Equal(t, "Invalid log level", f.New(errors.ErrInvalidLogLevel).Error())
	assert.Equal(t, "custom", f.WithMessage(errors.ErrInternal, "custom").Error())
	assert.Equal(t, "Invalid argument provided: vg", f.WithData(errors.ErrInvalidArgument, "vg").Error())

	cause := stderrors.New("disk full")
	wrapped := f.WrapWithData(errors.ErrInitResult, cause, "flush")
	assert.Equal(t, "Failed to initialize results store: flush: disk full", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestHasCode(t *testing.T) {
	f := errors.New()
	inner := f.New(errors.ErrClosed)
	outer := fmt.Errorf("supply: %w", f.Wrap(errors.ErrSweepRun, inner))

	assert.True(t, errors.HasCode(outer, errors.ErrSweepRun))
	assert.True(t, errors.HasCode(outer, errors.ErrClosed))
	assert.False(t, errors.HasCode(outer, errors.ErrTimeout))
	assert.False(t, errors.HasCode(nil, errors.ErrTimeout))

	assert.Equal(t, errors.ErrSweepRun, errors.CodeOf(outer))
	assert.Equal(t, errors.ErrInternal, errors.CodeOf(stderrors.New("plain")))
}

func TestUnknownCodeMessage(t *testing.T) {
	assert.Equal(t, "made_up", errors.GetErrorMessage(errors.ErrorCode("made_up")))
}
