package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/devchar/internal/acquisition"
	"codeberg.org/mutker/devchar/internal/config"
	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/logger"
	"codeberg.org/mutker/devchar/internal/notify"
	"codeberg.org/mutker/devchar/internal/pid"
	"codeberg.org/mutker/devchar/internal/results"
	"codeberg.org/mutker/devchar/internal/source"
	"codeberg.org/mutker/devchar/internal/status"
	"codeberg.org/mutker/devchar/internal/sweep"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, logger.IsService())
	logger.Debug().Msg("Config loaded")

	lockPath := cfg.PIDFile
	if lockPath == "" {
		lockPath = pid.DefaultPath()
	}
	if err := pid.Write(lockPath); err != nil {
		if e, ok := err.(errors.Error); ok {
			logger.FatalWithCode(e).Str("pid_file", lockPath).Msg("Cannot start sweep")
		}
		logger.Fatal().Err(err).Msg("Cannot start sweep")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go handleSignals(cancel)

	code := 0
	if err := run(ctx, cfg); err != nil {
		if e, ok := err.(errors.Error); ok {
			logger.ErrorWithCode(e).Msg("Sweep failed")
		} else {
			logger.Error().Err(err).Msg("Sweep failed")
		}
		code = 1
	}
	cancel()

	if err := pid.Remove(lockPath); err != nil {
		logger.Error().Err(err).Msg("Failed to remove pid file")
	}
	logger.Info().Msg("Exiting...")
	os.Exit(code)
}

func run(ctx context.Context, cfg *config.Config) error {
	errFactory := errors.New()
	settings := cfg.Settings()

	store, err := results.NewStore(cfg.StoreConfig(), logger.New("results"))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitResult, err)
	}
	defer closeWithLog("results", store.Close)

	recorders := sweep.Recorders{store}
	var drivers sweep.Drivers

	var sim *source.Simulator
	if cfg.Simulate {
		sim, err = source.NewSimulator(cfg.SourceConfig(), logger.New("source"))
		if err != nil {
			return errFactory.Wrap(errors.ErrInitApp, err)
		}
		drivers = append(drivers, sim)
	}

	var pub *notify.Publisher
	if cfg.MQTT.Enabled {
		pub, err = notify.Dial(ctx, cfg.PublisherConfig(), logger.New("notify"))
		if err != nil {
			return errFactory.Wrap(errors.ErrInitNotify, err)
		}
		defer closeWithLog("notify", pub.Close)

		recorders = append(recorders, pub)
		if cfg.MQTT.DriveSetpoints {
			drivers = append(drivers, pub)
		}
	}

	if sim == nil && (pub == nil || !cfg.MQTT.DriveSetpoints) {
		return errFactory.WithData(errors.ErrMissingConfig,
			"no bias source: enable --simulate or mqtt.drive_setpoints")
	}

	pipeline, err := acquisition.New(settings, recorders, drivers,
		acquisition.WithLogger(logger.New("acquisition")))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}

	if settings.ACEnabled {
		logger.Info().
			Int("nfft", settings.NFFT).
			Int("navg", settings.NAvg).
			Dur("acquisition_time", cfg.PSDAcquisitionTime()).
			Float64("min_frequency", cfg.MinFrequency()).
			Msg("PSD enabled")
	}

	if cfg.Status.Enabled {
		srv := status.New(cfg.Status.Listen, pipeline, logger.New("status"))
		if err := srv.Start(); err != nil {
			return errFactory.Wrap(errors.ErrInitApp, err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Failed to stop status server")
			}
		}()
	}

	switch {
	case sim != nil:
		sim.OnApplied(pipeline.ConfirmSetpoint)
		go func() {
			err := sim.Run(ctx, pipeline.Supply)
			if err != nil && !errors.HasCode(err, acquisition.ErrClosed) {
				logger.Error().Err(err).Msg("Simulated source stopped")
			}
		}()
	case pub != nil:
		if err := pub.Ingest(ctx, pipeline.Supply, pipeline.ConfirmSetpoint); err != nil {
			return errFactory.Wrap(errors.ErrInitNotify, err)
		}
	}

	err = pipeline.Run(ctx)
	switch {
	case err == nil:
		progress := pipeline.Progress()
		logger.Info().
			Str("run_id", progress.RunID).
			Int("points", progress.Points).
			Msg("Sweep complete")
		return nil
	case errors.HasCode(err, acquisition.ErrInterrupted):
		logger.Warn().Str("run_id", pipeline.RunID()).Msg("Sweep interrupted before completion")
		return nil
	default:
		return errFactory.Wrap(errors.ErrSweepRun, err)
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func closeWithLog(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Error().Err(err).Str("component", name).Msg("Close failed")
	}
}
