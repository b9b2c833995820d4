package kilo

import (
	"fmt"
	"time"
)

// Exit code the transport layer reports when the CLI hits its
// wall-clock timeout (the `timeout` wrapper convention).
const timeoutExitCode = 124

// TimeoutError reports that the CLI execution exceeded its configured
// wall-clock timeout. The message is caller-facing.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution exceeded the %s timeout - try simplifying your request", e.Timeout)
}

// ExitError reports that the CLI exited with a non-zero, non-timeout code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("execution failed with exit code %d", e.Code)
}

// TerminalKind identifies a recognized unrecoverable condition embedded
// in the domain-event stream.
type TerminalKind string

const (
	TerminalAuthFailure     TerminalKind = "authentication_failed"
	TerminalPaymentRequired TerminalKind = "payment_required"
)

// TerminalConditionError ends a stream after the detector has already
// emitted the triggering domain event and its trailing error event.
// Callers must not append further events when they observe it.
type TerminalConditionError struct {
	Kind    TerminalKind
	Message string
}

func (e *TerminalConditionError) Error() string {
	return fmt.Sprintf("terminal condition %s: %s", e.Kind, e.Message)
}
