// Package errors provides structured error handling for indexkeeper.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Not-found errors (index, repository, archive entry)
//   - 3XX: Conflict errors (name collisions, role races)
//   - 4XX: Malformed input and validation errors
//   - 5XX: Transient store errors (retryable)
//   - 6XX: Internal and consistency errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryNotFound indicates a missing index, repository or archive entry.
	CategoryNotFound Category = "NOT_FOUND"
	// CategoryConflict indicates a name collision or competing assignment.
	CategoryConflict Category = "CONFLICT"
	// CategoryMalformed indicates malformed or invalid input.
	CategoryMalformed Category = "MALFORMED"
	// CategoryTransient indicates store unavailability that may clear on retry.
	CategoryTransient Category = "TRANSIENT"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
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

	// Not-found errors (200-299)
	ErrCodeIndexNotFound       = "ERR_201_INDEX_NOT_FOUND"
	ErrCodeSourceIndexNotFound = "ERR_202_SOURCE_INDEX_NOT_FOUND"
	ErrCodeRepositoryNotFound  = "ERR_203_REPOSITORY_NOT_FOUND"
	ErrCodeSnapshotNotFound    = "ERR_204_SNAPSHOT_NOT_FOUND"

	// Conflict errors (300-399)
	ErrCodeRepositoryConflict = "ERR_301_REPOSITORY_CONFLICT"
	ErrCodeIndexAlreadyExists = "ERR_302_INDEX_ALREADY_EXISTS"
	ErrCodeIndexNotOpen       = "ERR_303_INDEX_NOT_OPEN"
	ErrCodeSnapshotExists     = "ERR_304_SNAPSHOT_EXISTS"

	// Malformed input errors (400-499)
	ErrCodeInvalidInput   = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidArchive = "ERR_402_INVALID_ARCHIVE"
	ErrCodeInvalidName    = "ERR_403_INVALID_NAME"

	// Transient store errors (500-599)
	ErrCodeStoreUnavailable = "ERR_501_STORE_UNAVAILABLE"
	ErrCodeStoreTimeout     = "ERR_502_STORE_TIMEOUT"
	ErrCodeQueueSaturated   = "ERR_503_QUEUE_SATURATED"

	// Internal errors (600-699)
	ErrCodeInternal          = "ERR_601_INTERNAL"
	ErrCodeStoreRestore      = "ERR_602_STORE_RESTORE"
	ErrCodeConsistencyFault  = "ERR_603_CONSISTENCY_FAULT"
	ErrCodeSchedulerStopped  = "ERR_604_SCHEDULER_STOPPED"
	ErrCodeCleanupIncomplete = "ERR_605_CLEANUP_INCOMPLETE"
	ErrCodeInsufficientSpace = "ERR_606_INSUFFICIENT_SPACE"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "201" from "ERR_201_INDEX_NOT_FOUND")
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryNotFound
	case '3':
		return CategoryConflict
	case '4':
		return CategoryMalformed
	case '5':
		return CategoryTransient
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeConsistencyFault:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode reports whether a code belongs to the transient store range.
// A saturated queue is transient from the producer's view but is surfaced to
// the caller instead of being retried internally.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeStoreUnavailable, ErrCodeStoreTimeout:
		return true
	default:
		return false
	}
}
