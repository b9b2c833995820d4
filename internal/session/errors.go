package session

import (
	"errors"
	"fmt"
)

// ErrorCode classifies session failures. Validation codes surface as
// client errors, retryable infrastructure codes are retried internally,
// terminal codes end the stream, and integrity codes are hard internal
// errors.
type ErrorCode string

const (
	// Validation
	CodeInvalidGitSource     ErrorCode = "invalid_git_source"
	CodeMissingRequiredField ErrorCode = "missing_required_field"
	CodeInvalidImagePath     ErrorCode = "invalid_image_path"

	// Retryable infrastructure
	CodeSandboxColdStart       ErrorCode = "sandbox_cold_start"
	CodeTransientRPCDisconnect ErrorCode = "transient_rpc_disconnect"
	CodeStoreConcurrentAttempt ErrorCode = "store_concurrent_attempt"

	// Terminal session failures
	CodeAuthenticationFailed  ErrorCode = "authentication_failed"
	CodePaymentRequired       ErrorCode = "payment_required"
	CodeNonZeroExit           ErrorCode = "non_zero_exit"
	CodeTimeoutExceeded       ErrorCode = "timeout_exceeded"
	CodeSessionAlreadyRunning ErrorCode = "session_already_running"

	// Lookup and integrity
	CodeSessionNotFound ErrorCode = "session_not_found"
	CodeIntegrity       ErrorCode = "integrity"
	CodeInternal        ErrorCode = "internal"
)

// SessionError is the structured failure type for session operations
type SessionError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Err       error // wrapped cause, internal-only
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewError creates a non-retryable SessionError
func NewError(code ErrorCode, message string) *SessionError {
	return &SessionError{Code: code, Message: message}
}

// NewRetryableError creates a retryable SessionError wrapping a cause
func NewRetryableError(code ErrorCode, message string, err error) *SessionError {
	return &SessionError{Code: code, Message: message, Retryable: true, Err: err}
}

// WrapError creates a non-retryable SessionError wrapping a cause
func WrapError(code ErrorCode, message string, err error) *SessionError {
	return &SessionError{Code: code, Message: message, Err: err}
}

// IsRetryable reports whether err is a retryable SessionError
func IsRetryable(err error) bool {
	var se *SessionError
	return errors.As(err, &se) && se.Retryable
}

// CodeOf extracts the ErrorCode from err, or CodeInternal for
// unclassified failures.
func CodeOf(err error) ErrorCode {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}
