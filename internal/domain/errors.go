package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrProviderError = fmt.Errorf("provider error")
	ErrNetwork       = fmt.Errorf("network error")

	ErrAgentNotFound    = fmt.Errorf("agent not found")
	ErrProviderNotFound = fmt.Errorf("provider not found")

	// ErrAllProvidersFailed marks a terminal dispatch failure: every
	// provider in the agent's chain was attempted and none succeeded.
	ErrAllProvidersFailed = fmt.Errorf("all providers failed")

	// ErrRateLimit covers both upstream 429s and local admission rejection.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")

	ErrAuthInvalid = fmt.Errorf("authentication failed")
	ErrConfigLoad  = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Executor.Dispatch")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and for the
// HTTP surface's status mapping.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeProviderError      ErrorCode = "PROVIDER_ERROR"
	CodeNetwork            ErrorCode = "NETWORK_ERROR"
	CodeAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	CodeProviderNotFound   ErrorCode = "PROVIDER_NOT_FOUND"
	CodeAllProvidersFailed ErrorCode = "ALL_PROVIDERS_FAILED"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrInvalidInput:       CodeInvalidInput,
	ErrTimeout:            CodeTimeout,
	ErrProviderError:      CodeProviderError,
	ErrNetwork:            CodeNetwork,
	ErrAgentNotFound:      CodeAgentNotFound,
	ErrProviderNotFound:   CodeProviderNotFound,
	ErrAllProvidersFailed: CodeAllProvidersFailed,
	ErrRateLimit:          CodeRateLimit,
	ErrAuthInvalid:        CodeAuthInvalid,
	ErrConfigLoad:         CodeConfigLoad,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and walks the error chain with errors.Is.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
