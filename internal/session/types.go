package session

import (
	"time"
)

// PrepareInput describes a new session to persist
type PrepareInput struct {
	UserID string
	OrgID  string
	BotID  string

	Prompt string
	Mode   string
	Model  string

	// Exactly one of GithubRepo / GitURL must be set
	GithubRepo string
	GitURL     string
	GitToken   string

	EnvVars        map[string]string
	SetupCommands  []string
	UpstreamBranch string
}

// PrepareResult is returned by Prepare
type PrepareResult struct {
	SessionID     string
	KiloSessionID string // empty until captured from the CLI
}

// InitiateInput holds per-attempt overrides for an execution
type InitiateInput struct {
	Prompt string // overrides the stored prompt when set
	Mode   string
	Model  string
	Images []string

	// KiloSessionID resumes the CLI's own session when set; otherwise
	// the stored id (if any) is used.
	KiloSessionID string

	// SkipInterruptPolling disables the per-event interrupted-flag
	// check. Used by callers that manage interruption themselves.
	SkipInterruptPolling bool
}

// InterruptResult enumerates what an interrupt actually did. An
// interrupt with nothing running is a success with empty lists.
type InterruptResult struct {
	Success          bool
	KilledProcessIDs []string
	FailedProcessIDs []string
	Message          string
}

// DeleteResult is returned by Delete
type DeleteResult struct {
	Success bool
}

// Snapshot is the sanitized status view of a session. It never carries
// git credentials or env var values.
type Snapshot struct {
	SessionID         string
	Status            string
	Mode              string
	Model             string
	GithubRepo        string
	GitURL            string
	EnvVarNames       []string
	KiloSessionID     string
	PreparedAt        time.Time
	InitiatedAt       *time.Time
	Interrupted       bool
	ActiveExecutionID string
	QueuedCount       int
}
