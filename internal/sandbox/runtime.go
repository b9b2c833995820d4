// Package sandbox defines the isolated execution environment abstraction.
//
// One sandbox exists per tenant identity; the CLI process and the
// session workspaces live inside it. The orchestrator treats every
// call here as fallible and potentially slow.
package sandbox

import (
	"context"

	"github.com/HyphaGroup/warden/internal/agent"
)

// ProcessStatus enum for sandbox processes
type ProcessStatus string

const (
	StatusRunning  ProcessStatus = "running"
	StatusStarting ProcessStatus = "starting"
	StatusStopped  ProcessStatus = "stopped"
	StatusUnknown  ProcessStatus = "unknown"
)

// Alive reports whether a process in this state can still do work
// (and is therefore a kill candidate during cleanup).
func (s ProcessStatus) Alive() bool {
	return s == StatusRunning || s == StatusStarting
}

// ProcessInfo describes one process inside a sandbox
type ProcessInfo struct {
	ID      string
	Status  ProcessStatus
	Command string
}

// ExecSpec describes a command execution inside a sandbox
type ExecSpec struct {
	Command    string // passed to `sh -c`
	Env        []string
	WorkingDir string
}

// ExecResult contains blocking execution output
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runtime is the capability interface over an isolated execution
// environment, keyed by sandbox identity. Implementations own the
// mapping from identity to the underlying isolation primitive.
type Runtime interface {
	// EnsureSession acquires or creates the sandbox for an identity.
	// Idempotent: an existing healthy sandbox is reused.
	EnsureSession(ctx context.Context, identity string) error

	// ExecStream runs a command and yields raw output chunks. The
	// returned channel is closed after a complete chunk (or an error
	// chunk when the transport fails). Cancelling ctx tears the
	// execution down.
	ExecStream(ctx context.Context, identity string, spec ExecSpec) (<-chan agent.Chunk, error)

	// Exec runs a command to completion (blocking)
	Exec(ctx context.Context, identity string, spec ExecSpec) (*ExecResult, error)

	// ListProcesses returns the processes currently in the sandbox
	ListProcesses(ctx context.Context, identity string) ([]ProcessInfo, error)

	// KillProcess sends a signal ("TERM", "KILL") to a process by id
	KillProcess(ctx context.Context, identity, processID, signal string) error

	// ReadFile reads a file from inside the sandbox
	ReadFile(ctx context.Context, identity, path string) (string, error)

	// WriteFile writes a file inside the sandbox
	WriteFile(ctx context.Context, identity, path, content string) error

	// DeleteSession tears down the sandbox for an identity
	DeleteSession(ctx context.Context, identity string) error

	// Ping checks if the runtime is available and responsive
	Ping(ctx context.Context) error

	// Close releases any resources held by the runtime
	Close() error

	// Name returns the runtime identifier
	Name() string
}
