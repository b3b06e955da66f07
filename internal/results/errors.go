package results

import "codeberg.org/mutker/devchar/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("results_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("results_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("results_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("results_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("results_transaction_failed")

	// Storage Errors
	ErrStorageInit  = errors.ErrInitFailed
	ErrStorageClose = errors.ErrShutdownFailed
	ErrClosed       = errors.ErrClosed

	// Recording Errors
	ErrInvalidPoint = errors.ErrorCode("results_invalid_point")
	ErrRecord       = errors.ErrorCode("results_record_failed")

	ErrOperationTimeout = errors.ErrTimeout
)
