package results_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/logger"
	"codeberg.org/mutker/devchar/internal/results"
	"codeberg.org/mutker/devchar/internal/sweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) results.Config {
	t.Helper()
	dir := t.TempDir()
	return results.Config{
		DBPath:    filepath.Join(dir, "results.db"),
		BackupDir: filepath.Join(dir, "backups"),
		BatchSize: 4,
		Enabled:   true,
	}
}

func dcPoint(vg, vd int) sweep.DCPoint {
	return sweep.DCPoint{
		Coordinate: sweep.Coordinate{VgIndex: vg, VdIndex: vd},
		RunID:      "run-1",
		Vg:         -0.1 * float64(vg),
		Vd:         0.1 * float64(vd+1),
		Channels:   []string{"Ch04Col1", "Ch05Col1"},
		Values:     []float64{1.5, 2.5},
		Slope:      1e-7,
		TimedOut:   vg == 1,
		Elapsed:    1500 * time.Millisecond,
	}
}

func count(t *testing.T, path, query string, args ...any) int {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}

func TestRepositoryRecordsSweep(t *testing.T) {
	cfg := testConfig(t)
	store, err := results.NewStore(cfg, logger.New("test"))
	require.NoError(t, err)

	ctx := context.Background()
	summary := sweep.Summary{
		RunID:    "run-1",
		Channels: []string{"Ch04Col1", "Ch05Col1"},
		VgValues: []float64{0, -0.1},
		VdValues: []float64{0.1},
	}
	for vg := 0; vg < 2; vg++ {
		p := dcPoint(vg, 0)
		require.NoError(t, store.RecordDC(ctx, p))
		summary.DC = append(summary.DC, p)

		psd := sweep.PSDPoint{
			Coordinate:  p.Coordinate,
			RunID:       "run-1",
			Vg:          p.Vg,
			Vd:          p.Vd,
			Channels:    p.Channels,
			Frequencies: []float64{0, 10, 20},
			Power:       [][]float64{{1, 2, 3}, {4, 5, 6}},
		}
		require.NoError(t, store.RecordPSD(ctx, psd))
		summary.PSD = append(summary.PSD, psd)
	}
	require.NoError(t, store.SweepComplete(ctx, summary))
	require.NoError(t, store.Close())

	assert.Equal(t, 4, count(t, cfg.DBPath, "SELECT COUNT(*) FROM dc_points"))
	assert.Equal(t, 12, count(t, cfg.DBPath, "SELECT COUNT(*) FROM psd_points"))
	assert.Equal(t, 2, count(t, cfg.DBPath, "SELECT COUNT(*) FROM dc_points WHERE timed_out = 1"))
	assert.Equal(t, 1, count(t, cfg.DBPath,
		"SELECT COUNT(*) FROM runs WHERE run_id = ? AND completed_at IS NOT NULL AND dc_points = 2 AND psd_points = 2", "run-1"))
	assert.Equal(t, 1500, count(t, cfg.DBPath,
		"SELECT elapsed_ms FROM dc_points WHERE vg_index = 0 AND channel = 'Ch04Col1'"))
}

func TestRepositoryFlushesOnClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 100
	cfg.BatchInterval = time.Hour

	store, err := results.NewStore(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, store.RecordDC(context.Background(), dcPoint(0, 0)))
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	assert.Equal(t, 2, count(t, cfg.DBPath, "SELECT COUNT(*) FROM dc_points"))

	err = store.RecordDC(context.Background(), dcPoint(1, 0))
	assert.True(t, errors.HasCode(err, results.ErrClosed))
}

func TestRepositoryPeriodicFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.BatchSize = 100
	cfg.BatchInterval = 20 * time.Millisecond

	store, err := results.NewStore(cfg, nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.RecordDC(context.Background(), dcPoint(0, 0)))

	assert.Eventually(t, func() bool {
		return count(t, cfg.DBPath, "SELECT COUNT(*) FROM dc_points") == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRepositoryRejectsMalformedPoints(t *testing.T) {
	store, err := results.NewStore(testConfig(t), nil)
	require.NoError(t, err)
	defer store.Close()

	p := dcPoint(0, 0)
	p.Values = p.Values[:1]
	assert.True(t, errors.HasCode(store.RecordDC(context.Background(), p), results.ErrInvalidPoint))

	psd := sweep.PSDPoint{
		Channels:    []string{"a"},
		Frequencies: []float64{0, 1},
		Power:       [][]float64{{1}},
	}
	assert.True(t, errors.HasCode(store.RecordPSD(context.Background(), psd), results.ErrInvalidPoint))
}

func TestRepositoryHonoursCancelledContext(t *testing.T) {
	store, err := results.NewStore(testConfig(t), nil)
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = store.RecordDC(ctx, dcPoint(0, 0))
	assert.True(t, errors.HasCode(err, results.ErrOperationTimeout))
}

func TestSchemaMismatchBacksUp(t *testing.T) {
	cfg := testConfig(t)

	db, err := sql.Open("sqlite3", cfg.DBPath)
	require.NoError(t, err)
	_, err = db.Exec(`
        CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
        INSERT INTO schema_versions VALUES (99, datetime('now'));
        CREATE TABLE runs (run_id TEXT);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := results.NewStore(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	backups, err := os.ReadDir(cfg.BackupDir)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Contains(t, backups[0].Name(), "results_v99_")

	assert.Equal(t, results.SchemaVersion, count(t, cfg.DBPath, "SELECT MAX(version) FROM schema_versions"))
}

func TestDisabledStoreIsNoop(t *testing.T) {
	store, err := results.NewStore(results.Config{Enabled: false}, nil)
	require.NoError(t, err)

	assert.NoError(t, store.RecordDC(context.Background(), dcPoint(0, 0)))
	assert.NoError(t, store.SweepComplete(context.Background(), sweep.Summary{}))
	assert.NoError(t, store.Close())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, results.DefaultConfig().Validate())

	err := results.Config{Enabled: true}.Validate()
	assert.True(t, errors.HasCode(err, results.ErrInvalidDBPath))

	err = results.Config{Enabled: true, DBPath: "x.db", BatchSize: -1}.Validate()
	assert.True(t, errors.HasCode(err, results.ErrInvalidConfig))
}
