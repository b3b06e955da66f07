package results

import (
	"time"

	"codeberg.org/mutker/devchar/internal/errors"
)

const (
	defaultDirPerm   = 0o755
	defaultDBPath    = "/var/lib/devchar/results.db"
	defaultBackupDir = "/var/lib/devchar/backups"
)

type Config struct {
	DBPath        string
	BackupDir     string
	BatchSize     int
	BatchInterval time.Duration
	Enabled       bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:        defaultDBPath,
		BackupDir:     defaultBackupDir,
		BatchSize:     16,
		BatchInterval: 5 * time.Second,
		Enabled:       false,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchInterval < 0 {
		return errFactory.WithData(ErrInvalidConfig, "batch size and interval must not be negative")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
