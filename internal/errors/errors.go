package errors

import (
	"fmt"
)

// NotedexError is the structured error type for Notedex.
// It provides rich context for error handling, logging, and user presentation.
type NotedexError struct {
	// Code is the unique error code (e.g., "ERR_501_SCHEMA_VERSION").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Provider, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *NotedexError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *NotedexError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with NotedexError.
func (e *NotedexError) Is(target error) bool {
	if t, ok := target.(*NotedexError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *NotedexError) WithDetail(key, value string) *NotedexError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *NotedexError) WithSuggestion(suggestion string) *NotedexError {
	e.Suggestion = suggestion
	return e
}

// New creates a new NotedexError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *NotedexError {
	return &NotedexError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a NotedexError from an existing error.
// The error's message becomes the NotedexError message.
func Wrap(code string, err error) *NotedexError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// DocumentReadError creates an error for a document that could not be read.
func DocumentReadError(path string, cause error) *NotedexError {
	return New(ErrCodeDocumentRead, fmt.Sprintf("cannot read document %s", path), cause).
		WithDetail("path", path)
}

// TransientProviderError creates a retryable embedding provider error.
func TransientProviderError(message string, cause error) *NotedexError {
	return New(ErrCodeProviderTransient, message, cause)
}

// SchemaVersionError creates a snapshot schema mismatch error.
// Carries the "reindex required" suggestion the caller surfaces to the user.
func SchemaVersionError(got, want int) *NotedexError {
	return New(ErrCodeSchemaVersion,
		fmt.Sprintf("snapshot schema version %d does not match expected %d", got, want), nil).
		WithSuggestion("reindex required: run 'notedex index --force'")
}

// ModelMismatchError creates an embedding model identity mismatch error.
func ModelMismatchError(storedModel string, storedDims int, activeModel string, activeDims int) *NotedexError {
	return New(ErrCodeModelMismatch,
		fmt.Sprintf("snapshot was built with %s (%d dims) but active model is %s (%d dims)",
			storedModel, storedDims, activeModel, activeDims), nil).
		WithSuggestion("reindex required: run 'notedex index --force'")
}

// ValidationError creates a query validation error.
func ValidationError(message string) *NotedexError {
	return New(ErrCodeInvalidQuery, message, nil)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a NotedexError with Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(*NotedexError); ok {
		return ne.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(*NotedexError); ok {
		return ne.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a NotedexError.
// Returns empty string if not a NotedexError.
func GetCode(err error) string {
	if ne, ok := err.(*NotedexError); ok {
		return ne.Code
	}
	return ""
}
