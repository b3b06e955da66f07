package results

import (
	"context"

	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/logger"
	"codeberg.org/mutker/devchar/internal/sweep"
)

type noopStore struct{}

// NewStore returns the SQLite store, or a no-op store when results are
// disabled.
func NewStore(cfg Config, log logger.Logger) (Store, error) {
	errFactory := errors.New()

	if log == nil {
		log = logger.New("results")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Results storage disabled, using no-op store")
		return noopStore{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create results repository")
		return nil, err
	}

	return repo, nil
}

func (noopStore) RecordDC(context.Context, sweep.DCPoint) error      { return nil }
func (noopStore) RecordPSD(context.Context, sweep.PSDPoint) error    { return nil }
func (noopStore) SweepComplete(context.Context, sweep.Summary) error { return nil }
func (noopStore) Close() error                                       { return nil }
