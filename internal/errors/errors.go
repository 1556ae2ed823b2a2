package errors

import (
	stderrors "errors"
	"fmt"
)

// EvidentiaError is the structured error type for Evidentia.
// It provides rich context for error handling, logging, and HTTP mapping.
type EvidentiaError struct {
	// Code is the unique error code (e.g., "ERR_401_SESSION_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *EvidentiaError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *EvidentiaError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with EvidentiaError.
func (e *EvidentiaError) Is(target error) bool {
	if t, ok := target.(*EvidentiaError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *EvidentiaError) WithDetail(key, value string) *EvidentiaError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new EvidentiaError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *EvidentiaError {
	return &EvidentiaError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf creates a new EvidentiaError with a formatted message.
func Newf(code string, cause error, format string, args ...any) *EvidentiaError {
	return New(code, fmt.Sprintf(format, args...), cause)
}

// Sentinel errors for the surfaced error kinds of the service.
// Match with errors.Is; wrap with New/Newf to add context.
var (
	// ErrSessionNotFound means the caller's session id is unknown or expired.
	ErrSessionNotFound = New(ErrCodeSessionNotFound, "session not found or expired", nil)

	// ErrRetrievalBackend means every sub-retriever failed.
	ErrRetrievalBackend = New(ErrCodeRetrievalBackend, "retrieval backend failure", nil)

	// ErrGenerationBackend means the LLM is unavailable after retries.
	ErrGenerationBackend = New(ErrCodeGenerationBackend, "generation backend failure", nil)

	// ErrResponseMalformed means the LLM output did not conform to the
	// answer schema after one repair attempt.
	ErrResponseMalformed = New(ErrCodeResponseMalformed, "structured response malformed", nil)

	// ErrDeadlineExceeded means the per-request deadline elapsed.
	ErrDeadlineExceeded = New(ErrCodeDeadlineExceeded, "request deadline exceeded", nil)

	// ErrConfigInvalid means the configuration was rejected at load time.
	ErrConfigInvalid = New(ErrCodeConfigInvalid, "configuration invalid", nil)
)

// CodeOf extracts the error code from an error chain.
// Returns ErrCodeInternal for unclassified errors.
func CodeOf(err error) string {
	var ee *EvidentiaError
	if stderrors.As(err, &ee) {
		return ee.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether the error (or any error in its chain)
// is marked retryable.
func IsRetryable(err error) bool {
	var ee *EvidentiaError
	if stderrors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}
