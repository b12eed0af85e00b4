package types

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a failure class for programmatic handling.
type ErrorCode string

// Common error codes
const (
	ErrCodeAgentUnavailable  ErrorCode = "AGENT_UNAVAILABLE"
	ErrCodeUserRejected      ErrorCode = "USER_REJECTED"
	ErrCodeSigningFailed     ErrorCode = "SIGNING_FAILED"
	ErrCodeAlreadyInProgress ErrorCode = "ALREADY_IN_PROGRESS"
	ErrCodeValidation        ErrorCode = "VALIDATION_ERROR"
	ErrCodeProcessing        ErrorCode = "PROCESSING_ERROR"
	ErrCodeTerminal          ErrorCode = "TERMINAL_ERROR"
	ErrCodeBindConflict      ErrorCode = "BIND_CONFLICT"
)

// StoreError is the error type surfaced to callers of the purchase core.
// Message is user-facing; Err keeps the underlying cause.
type StoreError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Err     error       `json:"-"`
}

func (e *StoreError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a StoreError with the same code, so that
// errors.Is(err, types.ErrValidation) matches any validation failure.
func (e *StoreError) Is(target error) bool {
	var t *StoreError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinel errors, one per code.
var (
	ErrAgentUnavailable  = &StoreError{Code: ErrCodeAgentUnavailable, Message: "wallet agent is not available"}
	ErrUserRejected      = &StoreError{Code: ErrCodeUserRejected, Message: "request rejected by user"}
	ErrSigningFailed     = &StoreError{Code: ErrCodeSigningFailed, Message: "signing failed"}
	ErrAlreadyInProgress = &StoreError{Code: ErrCodeAlreadyInProgress, Message: "operation already in progress"}
	ErrValidation        = &StoreError{Code: ErrCodeValidation, Message: "validation failed"}
	ErrProcessing        = &StoreError{Code: ErrCodeProcessing, Message: "processing failed"}
	ErrTerminal          = &StoreError{Code: ErrCodeTerminal, Message: "request cannot be completed"}
	ErrBindConflict      = &StoreError{Code: ErrCodeBindConflict, Message: "address is already bound to another account"}
)

// NewError creates a StoreError with the given code and message.
func NewError(code ErrorCode, message string, err error) *StoreError {
	return &StoreError{Code: code, Message: message, Err: err}
}

// Errorf creates a StoreError with a formatted message and no cause.
func Errorf(code ErrorCode, format string, args ...interface{}) *StoreError {
	return &StoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first StoreError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsRetryable reports whether the caller may offer a retry for err.
// Only client-correctable and transient failures qualify.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodeProcessing:
		return true
	default:
		return false
	}
}
