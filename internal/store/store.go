// Package store persists session records and execution tracking.
//
// The store is the single source of truth for concurrency control
// across retries and duplicate requests. Every mutation is atomic;
// callers tolerate a rejected transition as a normal outcome.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a session or execution does not exist
var ErrNotFound = errors.New("not found")

// ErrIntegrity wraps record validation failures on read. These are
// escalated as hard internal errors, never coerced.
var ErrIntegrity = errors.New("record integrity violation")

// ExecutionStatus enum
type ExecutionStatus string

const (
	ExecutionRunning     ExecutionStatus = "running"
	ExecutionCompleted   ExecutionStatus = "completed"
	ExecutionFailed      ExecutionStatus = "failed"
	ExecutionInterrupted ExecutionStatus = "interrupted"
)

// SessionRecord is the durable metadata for one logical session
type SessionRecord struct {
	SessionID     string
	UserID        string
	OrgID         string
	BotID         string
	Prompt        string
	Mode          string
	Model         string
	GithubRepo     string
	GitURL         string
	GitToken       string
	UpstreamBranch string
	EnvVars        map[string]string
	SetupCommands  []string

	// KiloSessionID is captured once from the CLI's session_created
	// event, then frozen (first write wins).
	KiloSessionID string

	PreparedAt        time.Time
	InitiatedAt       *time.Time
	Interrupted       bool
	ActiveExecutionID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Execution tracks one execution attempt within a session
type Execution struct {
	ID            string
	SessionID     string
	Status        ExecutionStatus
	StartedAt     time.Time
	LastHeartbeat time.Time
	ProcessID     string
	Error         string
}

// SessionSummary is the lightweight listing view of a session. It
// carries no prompt, credentials, or env vars.
type SessionSummary struct {
	SessionID         string
	UserID            string
	OrgID             string
	BotID             string
	GithubRepo        string
	GitURL            string
	Interrupted       bool
	ActiveExecutionID string
	PreparedAt        time.Time
	InitiatedAt       *time.Time
	UpdatedAt         time.Time
}

// TryInitiateResult reports the outcome of the single-winner
// initiate transition.
type TryInitiateResult struct {
	Success bool
	Record  *SessionRecord // loaded record on success
	Reason  string         // why the transition lost, when !Success
}

// Store is the durable session store contract
type Store interface {
	// CreateSession persists a new record in prepared shape
	CreateSession(ctx context.Context, rec *SessionRecord) error

	// GetMetadata loads a session record. Returns ErrNotFound when the
	// session does not exist and ErrIntegrity when the stored record
	// fails validation.
	GetMetadata(ctx context.Context, sessionID string) (*SessionRecord, error)

	// TryInitiate atomically claims the session for a new execution.
	// Exactly one concurrent caller wins; losers get Success=false
	// with a reason, never an error.
	TryInitiate(ctx context.Context, sessionID, executionID string) (*TryInitiateResult, error)

	// MarkInitiated stamps initiatedAt after first-time setup finishes.
	// Idempotent.
	MarkInitiated(ctx context.Context, sessionID string) error

	// MarkInterrupted sets the interrupted flag. Idempotent.
	MarkInterrupted(ctx context.Context, sessionID string) error

	// ClearInterrupted resets the interrupted flag for a fresh attempt
	ClearInterrupted(ctx context.Context, sessionID string) error

	// IsInterrupted reads the interrupted flag
	IsInterrupted(ctx context.Context, sessionID string) (bool, error)

	// InterruptExecution marks the active execution interrupted and
	// clears the active pointer. Returns a human-readable message.
	InterruptExecution(ctx context.Context, sessionID string) (string, error)

	// GetActiveExecutionID returns the active execution id, or "" if
	// none is running.
	GetActiveExecutionID(ctx context.Context, sessionID string) (string, error)

	// GetExecution loads one execution attempt
	GetExecution(ctx context.Context, executionID string) (*Execution, error)

	// CompleteExecution finalizes an execution and clears the active
	// pointer when it still points at this execution.
	CompleteExecution(ctx context.Context, executionID string, status ExecutionStatus, errMsg string) error

	// SetExecutionProcess records the sandbox process id of an execution
	SetExecutionProcess(ctx context.Context, executionID, processID string) error

	// Heartbeat refreshes the execution liveness timestamp
	Heartbeat(ctx context.Context, executionID string) error

	// EnqueuePrompt appends a prompt to the session's queue
	EnqueuePrompt(ctx context.Context, sessionID, prompt string) error

	// GetQueuedCount returns the number of queued prompts
	GetQueuedCount(ctx context.Context, sessionID string) (int, error)

	// UpdateKiloSessionID stores the CLI session id. First write wins;
	// later calls with a different id are no-ops, not errors.
	UpdateKiloSessionID(ctx context.Context, sessionID, kiloSessionID string) error

	// DeleteSession removes the record and all executions
	DeleteSession(ctx context.Context, sessionID string) error

	// ListSessions returns summaries for a user's sessions, newest
	// first. An empty userID lists all sessions.
	ListSessions(ctx context.Context, userID string) ([]*SessionSummary, error)

	// RecoverStaleExecutions fails executions whose heartbeat is older
	// than cutoff. Returns the number recovered.
	RecoverStaleExecutions(ctx context.Context, cutoff time.Time) (int, error)

	// PurgeOldSessions deletes terminal sessions last updated before
	// cutoff. Returns the number purged.
	PurgeOldSessions(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases store resources
	Close() error
}

// validateRecord checks the invariants a stored record must satisfy.
// A record that violates them is corrupt, not merely incomplete.
func validateRecord(rec *SessionRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrIntegrity)
	}
	if rec.UserID == "" {
		return fmt.Errorf("%w: session %s has no owner", ErrIntegrity, rec.SessionID)
	}
	if rec.GithubRepo != "" && rec.GitURL != "" {
		return fmt.Errorf("%w: session %s has both repo and git url", ErrIntegrity, rec.SessionID)
	}
	if rec.PreparedAt.IsZero() {
		return fmt.Errorf("%w: session %s missing preparedAt", ErrIntegrity, rec.SessionID)
	}
	return nil
}
