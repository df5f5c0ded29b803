package errors

import (
	stderrors "errors"
	"fmt"
)

// KeeperError is the structured error type for indexkeeper.
// It provides rich context for error handling, logging, and operator output.
type KeeperError struct {
	// Code is the unique error code (e.g., "ERR_201_INDEX_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (NotFound, Conflict, Transient, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the operator.
	Suggestion string
}

// Sentinels for errors.Is matching. Matching is by code, so any KeeperError
// carrying the same code satisfies errors.Is against these values.
var (
	ErrIndexNotFound       = &KeeperError{Code: ErrCodeIndexNotFound}
	ErrSourceIndexNotFound = &KeeperError{Code: ErrCodeSourceIndexNotFound}
	ErrRepositoryNotFound  = &KeeperError{Code: ErrCodeRepositoryNotFound}
	ErrSnapshotNotFound    = &KeeperError{Code: ErrCodeSnapshotNotFound}
	ErrRepositoryConflict  = &KeeperError{Code: ErrCodeRepositoryConflict}
	ErrIndexAlreadyExists  = &KeeperError{Code: ErrCodeIndexAlreadyExists}
	ErrIndexNotOpen        = &KeeperError{Code: ErrCodeIndexNotOpen}
	ErrSnapshotExists      = &KeeperError{Code: ErrCodeSnapshotExists}
	ErrInvalidInput        = &KeeperError{Code: ErrCodeInvalidInput}
	ErrInvalidArchive      = &KeeperError{Code: ErrCodeInvalidArchive}
	ErrInvalidName         = &KeeperError{Code: ErrCodeInvalidName}
	ErrStoreUnavailable    = &KeeperError{Code: ErrCodeStoreUnavailable}
	ErrStoreTimeout        = &KeeperError{Code: ErrCodeStoreTimeout}
	ErrQueueSaturated      = &KeeperError{Code: ErrCodeQueueSaturated}
	ErrStoreRestore        = &KeeperError{Code: ErrCodeStoreRestore}
	ErrConsistencyFault    = &KeeperError{Code: ErrCodeConsistencyFault}
	ErrSchedulerStopped    = &KeeperError{Code: ErrCodeSchedulerStopped}
	ErrCleanupIncomplete   = &KeeperError{Code: ErrCodeCleanupIncomplete}
)

// Error implements the error interface.
func (e *KeeperError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("[%s]", e.Code)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *KeeperError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with KeeperError.
func (e *KeeperError) Is(target error) bool {
	if t, ok := target.(*KeeperError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *KeeperError) WithDetail(key, value string) *KeeperError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the operator.
// Returns the error for method chaining.
func (e *KeeperError) WithSuggestion(suggestion string) *KeeperError {
	e.Suggestion = suggestion
	return e
}

// New creates a new KeeperError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *KeeperError {
	return &KeeperError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf creates a KeeperError with a formatted message and no cause.
func Newf(code string, format string, args ...any) *KeeperError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates a KeeperError from an existing error.
// The error's message becomes the KeeperError message.
func Wrap(code string, err error) *KeeperError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// IndexNotFound reports a missing index.
func IndexNotFound(name string) *KeeperError {
	return Newf(ErrCodeIndexNotFound, "index %q does not exist", name).WithDetail("index", name)
}

// Transient wraps a store failure that may clear on retry.
func Transient(message string, cause error) *KeeperError {
	return New(ErrCodeStoreUnavailable, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *KeeperError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *KeeperError {
	return New(ErrCodeInternal, message, cause)
}

// As finds the first KeeperError in err's chain.
func As(err error) (*KeeperError, bool) {
	var ke *KeeperError
	if stderrors.As(err, &ke) {
		return ke, true
	}
	return nil, false
}

// Is is a re-export of the standard library errors.Is so callers importing
// this package do not also need the standard one.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// IsRetryable checks if an error is retryable.
// Returns true if any KeeperError in the chain has the Retryable flag set.
func IsRetryable(err error) bool {
	if ke, ok := As(err); ok {
		return ke.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if ke, ok := As(err); ok {
		return ke.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from the first KeeperError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	if ke, ok := As(err); ok {
		return ke.Code
	}
	return ""
}

// GetCategory extracts the category from the first KeeperError in the chain.
// Returns empty string if there is none.
func GetCategory(err error) Category {
	if ke, ok := As(err); ok {
		return ke.Category
	}
	return ""
}
