package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/logger"
	"codeberg.org/mutker/devchar/internal/sweep"
	_ "github.com/mattn/go-sqlite3"
)

// entry is one buffered point; exactly one of dc and psd is set.
type entry struct {
	at  time.Time
	dc  *sweep.DCPoint
	psd *sweep.PSDPoint
}

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []entry
	closed        bool
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

func NewRepository(cfg Config, log logger.Logger) (Store, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_foreign_keys=1"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	db.SetMaxOpenConns(1)

	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(cfg.DBPath), "backups")
	}
	if err := ValidateAndUpdateSchema(db, backupDir, log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_interval", cfg.BatchInterval).
		Msg("Results repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]entry, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if cfg.BatchSize > 0 && cfg.BatchInterval > 0 {
		repo.flushTicker = time.NewTicker(cfg.BatchInterval)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

func (r *repository) RecordDC(ctx context.Context, point sweep.DCPoint) error {
	if len(point.Values) != len(point.Channels) {
		return errors.New().WithData(ErrInvalidPoint, struct {
			Channels int
			Values   int
		}{
			Channels: len(point.Channels),
			Values:   len(point.Values),
		})
	}
	return r.record(ctx, entry{at: time.Now().UTC(), dc: &point})
}

func (r *repository) RecordPSD(ctx context.Context, point sweep.PSDPoint) error {
	if len(point.Power) != len(point.Channels) {
		return errors.New().WithData(ErrInvalidPoint, struct {
			Channels int
			Power    int
		}{
			Channels: len(point.Channels),
			Power:    len(point.Power),
		})
	}
	for _, row := range point.Power {
		if len(row) != len(point.Frequencies) {
			return errors.New().WithData(ErrInvalidPoint, "power rows must match the frequency axis")
		}
	}
	return r.record(ctx, entry{at: time.Now().UTC(), psd: &point})
}

func (r *repository) record(ctx context.Context, e entry) error {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(ErrOperationTimeout, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errFactory.New(ErrClosed)
	}

	r.buffer = append(r.buffer, e)
	if len(r.buffer) >= r.cfg.BatchSize {
		if err := r.flush(ctx); err != nil {
			return errFactory.Wrap(ErrRecord, err)
		}
	}

	return nil
}

// SweepComplete flushes pending points and stamps the run as finished.
func (r *repository) SweepComplete(ctx context.Context, summary sweep.Summary) error {
	errFactory := errors.New()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errFactory.New(ErrClosed)
	}
	if err := r.flush(ctx); err != nil {
		return errFactory.Wrap(ErrRecord, err)
	}

	channels, err := json.Marshal(summary.Channels)
	if err != nil {
		return errFactory.Wrap(ErrRecord, err)
	}
	vg, err := json.Marshal(summary.VgValues)
	if err != nil {
		return errFactory.Wrap(ErrRecord, err)
	}
	vd, err := json.Marshal(summary.VdValues)
	if err != nil {
		return errFactory.Wrap(ErrRecord, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := r.db.ExecContext(ctx, completeRunSQL,
		summary.RunID, now, now, string(channels),
		string(vg), string(vd), len(summary.DC), len(summary.PSD),
	); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Info().
		Str("run_id", summary.RunID).
		Int("dc_points", len(summary.DC)).
		Int("psd_points", len(summary.PSD)).
		Msg("Run stored")

	return nil
}

func (r *repository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.flushTicker != nil {
		r.flushTicker.Stop()
		close(r.shutdownChan)
	}
	<-r.flushDoneChan

	r.mu.Lock()
	err := r.flush(context.Background())
	r.mu.Unlock()
	if err != nil {
		r.logger.Error().Err(err).Int("pending", len(r.buffer)).Msg("Final flush failed")
	}

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Results repository closed")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(context.Background()); err != nil {
				r.logger.Warn().Err(err).Msg("Periodic flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			return
		}
	}
}

// flush writes the buffer in one transaction. The caller holds r.mu. On
// failure the buffer is kept for the next attempt.
func (r *repository) flush(ctx context.Context) error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	rollback := func(cause error) error {
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, cause)
	}

	runStmt, err := tx.PrepareContext(ctx, insertRunSQL)
	if err != nil {
		return rollback(err)
	}
	defer runStmt.Close()

	dcStmt, err := tx.PrepareContext(ctx, insertDCSQL)
	if err != nil {
		return rollback(err)
	}
	defer dcStmt.Close()

	psdStmt, err := tx.PrepareContext(ctx, insertPSDSQL)
	if err != nil {
		return rollback(err)
	}
	defer psdStmt.Close()

	for _, e := range r.buffer {
		if err := r.insert(ctx, runStmt, dcStmt, psdStmt, e); err != nil {
			return rollback(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("points", len(r.buffer)).Msg("Flushed results to database")
	r.buffer = r.buffer[:0]

	return nil
}

func (r *repository) insert(ctx context.Context, runStmt, dcStmt, psdStmt *sql.Stmt, e entry) error {
	var (
		runID    string
		channels []string
	)
	switch {
	case e.dc != nil:
		runID, channels = e.dc.RunID, e.dc.Channels
	case e.psd != nil:
		runID, channels = e.psd.RunID, e.psd.Channels
	}

	names, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	if _, err := runStmt.ExecContext(ctx, runID, e.at.Format(time.RFC3339Nano), string(names)); err != nil {
		return err
	}

	if p := e.dc; p != nil {
		for i, ch := range p.Channels {
			if _, err := dcStmt.ExecContext(ctx,
				p.RunID, p.VgIndex, p.VdIndex, p.Vg, p.Vd,
				ch, p.Values[i], p.Slope, boolToInt(p.TimedOut), p.Elapsed.Milliseconds(),
			); err != nil {
				return err
			}
		}
		return nil
	}

	p := e.psd
	for i, ch := range p.Channels {
		for j, f := range p.Frequencies {
			if _, err := psdStmt.ExecContext(ctx,
				p.RunID, p.VgIndex, p.VdIndex, p.Vg, p.Vd,
				ch, f, p.Power[i][j],
			); err != nil {
				return err
			}
		}
	}
	return nil
}
