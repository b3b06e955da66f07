package results

import (
	"database/sql"

	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS runs (
	       run_id       TEXT PRIMARY KEY,
	       started_at   TEXT NOT NULL,
	       completed_at TEXT,
	       channels     TEXT NOT NULL,
	       vg_values    TEXT,
	       vd_values    TEXT,
	       dc_points    INTEGER NOT NULL DEFAULT 0,
	       psd_points   INTEGER NOT NULL DEFAULT 0
	   );
	   CREATE TABLE IF NOT EXISTS dc_points (
	       run_id     TEXT NOT NULL REFERENCES runs(run_id),
	       vg_index   INTEGER NOT NULL,
	       vd_index   INTEGER NOT NULL,
	       vg         REAL NOT NULL,
	       vd         REAL NOT NULL,
	       channel    TEXT NOT NULL,
	       value      REAL NOT NULL,
	       slope      REAL NOT NULL,
	       timed_out  INTEGER NOT NULL CHECK (timed_out IN (0, 1)),
	       elapsed_ms INTEGER NOT NULL,
	       PRIMARY KEY (run_id, vg_index, vd_index, channel)
	   );
	   CREATE TABLE IF NOT EXISTS psd_points (
	       run_id    TEXT NOT NULL REFERENCES runs(run_id),
	       vg_index  INTEGER NOT NULL,
	       vd_index  INTEGER NOT NULL,
	       vg        REAL NOT NULL,
	       vd        REAL NOT NULL,
	       channel   TEXT NOT NULL,
	       frequency REAL NOT NULL,
	       power     REAL NOT NULL,
	       PRIMARY KEY (run_id, vg_index, vd_index, channel, frequency)
	   );`

	insertRunSQL = `
    INSERT OR IGNORE INTO runs (run_id, started_at, channels)
    VALUES (?, ?, ?)`

	insertDCSQL = `
    INSERT OR REPLACE INTO dc_points (
        run_id, vg_index, vd_index, vg, vd,
        channel, value, slope, timed_out, elapsed_ms
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertPSDSQL = `
    INSERT OR REPLACE INTO psd_points (
        run_id, vg_index, vd_index, vg, vd,
        channel, frequency, power
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	completeRunSQL = `
    INSERT INTO runs (
        run_id, started_at, completed_at, channels,
        vg_values, vd_values, dc_points, psd_points
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT (run_id) DO UPDATE SET
        completed_at = excluded.completed_at,
        vg_values    = excluded.vg_values,
        vd_values    = excluded.vd_values,
        dc_points    = excluded.dc_points,
        psd_points   = excluded.psd_points`
)

var tables = []string{"psd_points", "dc_points", "runs", "schema_versions"}

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "create_tables",
			Error: err.Error(),
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "record_version",
			Error: err.Error(),
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().Int("version", SchemaVersion).Msg("Schema initialized")

	return nil
}

// GetSchemaVersion returns 0 for a database without a schema.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

func TableExists(db *sql.DB, name string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, name).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: name,
			Error: err.Error(),
		})
	}
	return exists, nil
}
