package kilo

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExecuteRequest contains parameters for one kilo CLI execution attempt.
// It is transient and in-memory only; a new request is built for every
// attempt.
type ExecuteRequest struct {
	Prompt        string
	Mode          string // e.g. "code", "architect", "ask"
	Model         string
	Workspace     string   // workspace path inside the sandbox
	KiloSessionID string   // resume the CLI's own session when set
	Images        []string // paths inside the sandbox
	Timeout       time.Duration
}

// BuildCommand renders the shell command that runs one kilo execution
// inside the sandbox. Output is line-oriented JSON on stdout; the
// `timeout` wrapper enforces the wall-clock limit via the exit-124
// convention.
func BuildCommand(req *ExecuteRequest) string {
	parts := []string{}

	if req.Timeout > 0 {
		secs := int(req.Timeout / time.Second)
		parts = append(parts, "timeout", strconv.Itoa(secs))
	}

	parts = append(parts, "kilo", "run", shellEscape(req.Prompt))

	if req.Mode != "" {
		parts = append(parts, "--mode", req.Mode)
	}
	if req.Model != "" {
		parts = append(parts, "--model", req.Model)
	}
	if req.KiloSessionID != "" {
		parts = append(parts, "--resume", req.KiloSessionID)
	}
	for _, img := range req.Images {
		parts = append(parts, "--image", shellEscape(img))
	}

	// Line-oriented JSON events, no interactive prompts
	parts = append(parts, "--output", "json-stream", "--non-interactive")

	if req.Workspace != "" {
		parts = append(parts, "--cwd", shellEscape(req.Workspace))
	}

	return strings.Join(parts, " ")
}

// IsSessionProcess reports whether a process command line belongs to a
// kilo execution bound to the given workspace. Used by the interrupt
// fallback sweep and by terminal-condition cleanup: the command must
// identify as the CLI and reference the session's workspace path.
func IsSessionProcess(command, workspace string) bool {
	if workspace == "" {
		return false
	}
	if !strings.Contains(command, "kilo") {
		return false
	}
	return strings.Contains(command, workspace)
}

func shellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// String implements fmt.Stringer for request logging without leaking
// the full prompt.
func (r *ExecuteRequest) String() string {
	prompt := r.Prompt
	if len(prompt) > 40 {
		prompt = prompt[:40] + "..."
	}
	return fmt.Sprintf("kilo run %q mode=%s model=%s resume=%s", prompt, r.Mode, r.Model, r.KiloSessionID)
}
