package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeUnsupportedOperation = "UNSUPPORTED_OPERATION"
	ErrCodeInvalidCredentials   = "INVALID_CREDENTIALS"
	ErrCodeMissingCredentials   = "MISSING_CREDENTIALS"
	ErrCodeNotImplemented       = "NOT_IMPLEMENTED"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeNetwork              = "NETWORK_ERROR"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeInternal             = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	ErrCodeParse                = "PARSE_ERROR"
	ErrCodeExpression           = "EXPRESSION_ERROR"
	ErrCodeStream               = "STREAM_ERROR"
	ErrCodeEmptyWorkflow        = "EMPTY_WORKFLOW"
	ErrCodeStore                = "STORE_ERROR"
	ErrCodeVault                = "VAULT_ERROR"
	ErrCodeUnknown              = "UNKNOWN"
)

// retryableCodes are the transient failure classes worth retrying.
var retryableCodes = map[string]bool{
	ErrCodeRateLimited:        true,
	ErrCodeTimeout:            true,
	ErrCodeNetwork:            true,
	ErrCodeServiceUnavailable: true,
	ErrCodeInternal:           true,
}

// IsRetryableCode reports whether a code belongs to the transient class.
func IsRetryableCode(code string) bool {
	return retryableCodes[code]
}

// ExecutionError is the structured error type for all engine operations.
type ExecutionError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Provider  string         `json:"provider,omitempty"`
	Operation string         `json:"operation,omitempty"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *ExecutionError) Error() string {
	if e.Provider != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s.%s: %s", e.Code, e.Provider, e.Operation, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ExecutionError with retryability derived from the code.
func NewError(code, message string) *ExecutionError {
	return &ExecutionError{Code: code, Message: message, Retryable: IsRetryableCode(code)}
}

// NewErrorf creates a new ExecutionError with a formatted message.
func NewErrorf(code, format string, args ...any) *ExecutionError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WithOperation attaches provider and operation context to the error.
func (e *ExecutionError) WithOperation(provider, operation string) *ExecutionError {
	e.Provider = provider
	e.Operation = operation
	return e
}

// WithCause attaches an underlying cause.
func (e *ExecutionError) WithCause(err error) *ExecutionError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ExecutionError) WithDetails(details map[string]any) *ExecutionError {
	e.Details = details
	return e
}
