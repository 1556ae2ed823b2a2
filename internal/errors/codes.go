// Package errors provides structured error handling for Evidentia.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage/retrieval backend errors
//   - 3XX: LLM backend errors
//   - 4XX: Validation and caller errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates vector/keyword store errors.
	CategoryStorage Category = "STORAGE"
	// CategoryNetwork indicates LLM transport errors.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
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
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeRetrievalBackend = "ERR_201_RETRIEVAL_BACKEND"
	ErrCodeIndexCorrupt     = "ERR_202_INDEX_CORRUPT"

	// LLM errors (300-399)
	ErrCodeGenerationBackend = "ERR_301_GENERATION_BACKEND"
	ErrCodeLLMTimeout        = "ERR_302_LLM_TIMEOUT"

	// Validation errors (400-499)
	ErrCodeSessionNotFound   = "ERR_401_SESSION_NOT_FOUND"
	ErrCodeResponseMalformed = "ERR_402_RESPONSE_MALFORMED"
	ErrCodeInvalidRequest    = "ERR_403_INVALID_REQUEST"

	// Internal errors (500-599)
	ErrCodeInternal         = "ERR_501_INTERNAL"
	ErrCodeDeadlineExceeded = "ERR_502_DEADLINE_EXCEEDED"
)

// categoryFromCode derives the error category from the code prefix.
func categoryFromCode(code string) Category {
	if len(code) < 5 {
		return CategoryInternal
	}
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode derives severity from the code.
// Config errors are fatal at load; everything else fails the operation only.
func severityFromCode(code string) Severity {
	switch categoryFromCode(code) {
	case CategoryConfig:
		return SeverityFatal
	default:
		return SeverityError
	}
}

// isRetryableCode reports whether an operation with this code may be retried.
// Transport errors to the LLM are retryable (once, per the client policy);
// timeouts never are.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeGenerationBackend, ErrCodeRetrievalBackend:
		return true
	default:
		return false
	}
}
