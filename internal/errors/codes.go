// Package errors provides structured error handling for Notedex.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (documents, snapshot, data dir)
//   - 3XX: Embedding provider errors
//   - 4XX: Validation errors
//   - 5XX: Index and internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates document and snapshot I/O errors.
	CategoryIO Category = "IO"
	// CategoryProvider indicates embedding provider errors.
	CategoryProvider Category = "PROVIDER"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryIndex indicates index state and internal errors.
	CategoryIndex Category = "INDEX"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO errors (200-299)
	ErrCodeDocumentRead  = "ERR_201_DOCUMENT_READ"
	ErrCodeSnapshotIO    = "ERR_202_SNAPSHOT_IO"
	ErrCodeDataDirLocked = "ERR_203_DATA_DIR_LOCKED"

	// Provider errors (300-399)
	ErrCodeProviderTransient   = "ERR_301_PROVIDER_TRANSIENT"
	ErrCodeProviderUnavailable = "ERR_302_PROVIDER_UNAVAILABLE"
	ErrCodeProviderHard        = "ERR_303_PROVIDER_HARD"

	// Validation errors (400-499)
	ErrCodeInvalidQuery      = "ERR_401_INVALID_QUERY"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeExcludedPath      = "ERR_403_EXCLUDED_PATH"

	// Index and internal errors (500-599)
	ErrCodeSchemaVersion = "ERR_501_SCHEMA_VERSION"
	ErrCodeModelMismatch = "ERR_502_MODEL_MISMATCH"
	ErrCodeIndexBusy     = "ERR_503_INDEX_BUSY"
	ErrCodeInternal      = "ERR_504_INTERNAL"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryIndex
	}

	// Extract numeric portion (e.g., "201" from "ERR_201_DOCUMENT_READ")
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryProvider
	case '4':
		return CategoryValidation
	default:
		return CategoryIndex
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeDataDirLocked:
		return SeverityFatal
	}

	// Retryable provider errors get warning severity
	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeProviderTransient, ErrCodeProviderUnavailable:
		return true
	default:
		return false
	}
}
