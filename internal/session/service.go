// Package session owns the lifecycle of a logical execution session:
// prepare, initiate, stream, interrupt, delete.
//
// service.go - the Execution Session Service
//
// The service holds no durable state of its own. The store is the
// single source of truth for concurrency control; the sandbox runtime
// is treated as fallible and slow on every call.

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/HyphaGroup/warden/internal/agent"
	"github.com/HyphaGroup/warden/internal/agent/kilo"
	"github.com/HyphaGroup/warden/internal/logger"
	"github.com/HyphaGroup/warden/internal/metrics"
	"github.com/HyphaGroup/warden/internal/sandbox"
	"github.com/HyphaGroup/warden/internal/store"
	"github.com/HyphaGroup/warden/internal/validation"
	"github.com/google/uuid"
)

// Config holds service tuning knobs
type Config struct {
	// ExecutionTimeout is the wall-clock CLI limit, enforced through
	// the transport's exit-124 convention.
	ExecutionTimeout time.Duration

	// InterruptGrace is how long Interrupt waits after killing the
	// tracked process before falling back to the pattern sweep.
	InterruptGrace time.Duration

	// ShallowClone clones repositories with --depth 1
	ShallowClone bool

	// GitToken is the server-level fallback access token, used when a
	// session is prepared without its own.
	GitToken string

	Retry RetryPolicy
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		ExecutionTimeout: 700 * time.Second,
		InterruptGrace:   5 * time.Second,
		ShallowClone:     true,
		Retry:            DefaultRetryPolicy(),
	}
}

// Service orchestrates execution sessions
type Service struct {
	store   store.Store
	runtime sandbox.Runtime
	cfg     Config
	locks   *LockMap
}

// NewService creates a session service
func NewService(st store.Store, rt sandbox.Runtime, cfg Config) *Service {
	if cfg.ExecutionTimeout == 0 {
		cfg.ExecutionTimeout = 700 * time.Second
	}
	if cfg.InterruptGrace == 0 {
		cfg.InterruptGrace = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &Service{
		store:   st,
		runtime: rt,
		cfg:     cfg,
		locks:   NewLockMap(),
	}
}

// Prepare validates input and persists a durable record in prepared
// shape. No sandbox work happens here.
func (s *Service) Prepare(ctx context.Context, in *PrepareInput) (*PrepareResult, error) {
	if in.UserID == "" {
		return nil, NewError(CodeMissingRequiredField, "userId is required")
	}
	if in.Prompt == "" {
		return nil, NewError(CodeMissingRequiredField, "prompt is required")
	}
	if (in.GithubRepo == "") == (in.GitURL == "") {
		return nil, NewError(CodeInvalidGitSource, "exactly one of githubRepo or gitUrl must be provided")
	}
	if in.GithubRepo != "" {
		if err := validation.ValidateGithubRepo(in.GithubRepo); err != nil {
			return nil, NewError(CodeInvalidGitSource, err.Error())
		}
	}
	if in.GitURL != "" {
		if err := validation.ValidateGitURL(in.GitURL); err != nil {
			return nil, NewError(CodeInvalidGitSource, err.Error())
		}
	}

	sessionID := uuid.NewString()
	rec := &store.SessionRecord{
		SessionID:      sessionID,
		UserID:         in.UserID,
		OrgID:          in.OrgID,
		BotID:          in.BotID,
		Prompt:         in.Prompt,
		Mode:           in.Mode,
		Model:          in.Model,
		GithubRepo:     in.GithubRepo,
		GitURL:         in.GitURL,
		GitToken:       firstNonEmpty(in.GitToken, s.cfg.GitToken),
		UpstreamBranch: in.UpstreamBranch,
		EnvVars:        in.EnvVars,
		SetupCommands:  in.SetupCommands,
		PreparedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateSession(ctx, rec); err != nil {
		return nil, WrapError(CodeInternal, "failed to persist session", err)
	}

	metrics.SessionsPrepared.Inc()
	logger.InfoContext(ctx, "session prepared", "session_id", sessionID, "user_id", in.UserID)
	return &PrepareResult{SessionID: sessionID}, nil
}

// Initiate prepares a new session and immediately opens its execution
// stream.
func (s *Service) Initiate(ctx context.Context, in *PrepareInput, exec *InitiateInput) (agent.EventStream, error) {
	prep, err := s.Prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	return s.InitiateFromExisting(ctx, prep.SessionID, exec)
}

// InitiateFromExisting opens an execution stream for a prepared
// session. Re-initiation of an already-initiated session reuses the
// existing workspace and only reopens the stream.
func (s *Service) InitiateFromExisting(ctx context.Context, sessionID string, in *InitiateInput) (agent.EventStream, error) {
	if in == nil {
		in = &InitiateInput{}
	}
	images, err := sanitizeImagePaths(in.Images)
	if err != nil {
		return nil, err
	}

	s.locks.Lock(sessionID)
	defer s.locks.Unlock(sessionID)

	rec, err := s.loadRecord(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// A fresh attempt supersedes a previous interrupt
	if rec.Interrupted {
		if err := s.store.ClearInterrupted(ctx, sessionID); err != nil {
			return nil, WrapError(CodeInternal, "failed to clear interrupted flag", err)
		}
		rec.Interrupted = false
	}

	sctx := BuildContext(rec.OrgID, rec.UserID, sessionID, rec.BotID, rec.UpstreamBranch)

	err = withRetry(ctx, s.cfg.Retry, "ensure_sandbox", func(ctx context.Context) error {
		if err := s.runtime.EnsureSession(ctx, sctx.SandboxIdentity); err != nil {
			return NewRetryableError(CodeSandboxColdStart, "sandbox not ready", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	executionID := uuid.NewString()
	claim, err := s.store.TryInitiate(ctx, sessionID, executionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewError(CodeSessionNotFound, "session not found")
		}
		return nil, WrapError(CodeInternal, "failed to claim session", err)
	}
	if !claim.Success {
		// Lost to a concurrent execution. Queue the prompt so the
		// caller's work is not silently dropped.
		prompt := in.Prompt
		if prompt == "" {
			prompt = rec.Prompt
		}
		if qErr := s.store.EnqueuePrompt(ctx, sessionID, prompt); qErr != nil {
			logger.WarnContext(ctx, "failed to queue prompt", "session_id", sessionID, "error", qErr)
		}
		return nil, NewError(CodeSessionAlreadyRunning,
			fmt.Sprintf("session already has an active execution (%s)", claim.Reason))
	}
	rec = claim.Record

	firstTime := rec.InitiatedAt == nil
	if firstTime {
		if err := s.setupWorkspace(ctx, sctx, rec); err != nil {
			s.failExecution(ctx, executionID, err)
			return nil, err
		}
		if err := s.store.MarkInitiated(ctx, sessionID); err != nil {
			s.failExecution(ctx, executionID, err)
			return nil, WrapError(CodeInternal, "failed to mark session initiated", err)
		}
	}

	req := &kilo.ExecuteRequest{
		Prompt:        firstNonEmpty(in.Prompt, rec.Prompt),
		Mode:          firstNonEmpty(in.Mode, rec.Mode),
		Model:         firstNonEmpty(in.Model, rec.Model),
		Workspace:     sctx.Workspace,
		KiloSessionID: firstNonEmpty(in.KiloSessionID, rec.KiloSessionID),
		Images:        images,
		Timeout:       s.cfg.ExecutionTimeout,
	}

	chunks, err := s.runtime.ExecStream(ctx, sctx.SandboxIdentity, sandbox.ExecSpec{
		Command:    kilo.BuildCommand(req),
		WorkingDir: sctx.Workspace,
		Env:        envSlice(rec.EnvVars),
	})
	if err != nil {
		wrapped := NewRetryableError(CodeTransientRPCDisconnect, "failed to open execution stream", err)
		s.failExecution(ctx, executionID, wrapped)
		return nil, wrapped
	}

	logger.InfoContext(ctx, "execution started",
		"session_id", sessionID, "execution_id", executionID, "request", req.String())
	metrics.ExecutionsStarted.Inc()

	s.trackExecutionProcess(ctx, sctx, executionID)

	norm := kilo.NewNormalizer(sessionID, s.cfg.ExecutionTimeout, chunks)
	det := kilo.NewTerminalDetector(norm, sessionID, func(cleanupCtx context.Context) {
		s.sweepSessionProcesses(cleanupCtx, sctx)
	})

	return &runStream{
		svc:         s,
		sctx:        sctx,
		executionID: executionID,
		src:         det,
		skipPolling: in.SkipInterruptPolling,
		startedAt:   time.Now(),
	}, nil
}

// setupWorkspace performs first-time repository and environment setup
func (s *Service) setupWorkspace(ctx context.Context, sctx *SessionContext, rec *store.SessionRecord) error {
	cloneURL, err := resolveCloneURL(rec)
	if err != nil {
		return err
	}

	clone := []string{"git", "clone"}
	if s.cfg.ShallowClone {
		clone = append(clone, "--depth", "1")
	}
	if sctx.UpstreamBranch != "" {
		clone = append(clone, "--branch", sctx.UpstreamBranch)
	}
	clone = append(clone, shellQuote(cloneURL), shellQuote(sctx.Workspace))

	setup := fmt.Sprintf("mkdir -p %s && %s && cd %s && git checkout -b %s",
		shellQuote(sctx.SessionHome), strings.Join(clone, " "),
		shellQuote(sctx.Workspace), shellQuote(sctx.BranchName))

	result, err := s.runtime.Exec(ctx, sctx.SandboxIdentity, sandbox.ExecSpec{Command: setup})
	if err != nil {
		return NewRetryableError(CodeTransientRPCDisconnect, "workspace setup failed", err)
	}
	if result.ExitCode != 0 {
		return WrapError(CodeInternal, "repository clone failed",
			fmt.Errorf("exit %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr)))
	}

	for _, cmd := range rec.SetupCommands {
		result, err := s.runtime.Exec(ctx, sctx.SandboxIdentity, sandbox.ExecSpec{
			Command:    cmd,
			WorkingDir: sctx.Workspace,
			Env:        envSlice(rec.EnvVars),
		})
		if err != nil {
			return NewRetryableError(CodeTransientRPCDisconnect, "setup command failed", err)
		}
		if result.ExitCode != 0 {
			return WrapError(CodeInternal, "setup command failed",
				fmt.Errorf("%q exit %d: %s", cmd, result.ExitCode, strings.TrimSpace(result.Stderr)))
		}
	}
	return nil
}

// resolveCloneURL builds the clone URL, embedding the access token for
// GitHub repos. Exactly-one-of is validated at prepare time; a record
// violating it here is corrupt.
func resolveCloneURL(rec *store.SessionRecord) (string, error) {
	switch {
	case rec.GithubRepo != "" && rec.GitURL == "":
		if rec.GitToken != "" {
			return fmt.Sprintf("https://x-access-token:%s@github.com/%s.git", rec.GitToken, rec.GithubRepo), nil
		}
		return fmt.Sprintf("https://github.com/%s.git", rec.GithubRepo), nil
	case rec.GitURL != "" && rec.GithubRepo == "":
		return rec.GitURL, nil
	default:
		return "", NewError(CodeIntegrity, "session record has an invalid git source")
	}
}

// trackExecutionProcess records the sandbox pid of the CLI process so
// Interrupt can target it directly instead of relying on the pattern
// sweep. Best-effort: the sweep still covers executions whose pid was
// never observed.
func (s *Service) trackExecutionProcess(ctx context.Context, sctx *SessionContext, executionID string) {
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
		procs, err := s.runtime.ListProcesses(ctx, sctx.SandboxIdentity)
		if err != nil {
			continue
		}
		for _, p := range procs {
			if !p.Status.Alive() || !kilo.IsSessionProcess(p.Command, sctx.Workspace) {
				continue
			}
			if err := s.store.SetExecutionProcess(ctx, executionID, p.ID); err != nil {
				logger.WarnContext(ctx, "failed to record execution process",
					"execution_id", executionID, "process_id", p.ID, "error", err)
			}
			return
		}
	}
	logger.WarnContext(ctx, "execution process not found in sandbox",
		"execution_id", executionID, "session_id", sctx.SessionID)
}

// sanitizeImagePaths validates workspace-relative image paths before
// they reach the CLI command line.
func sanitizeImagePaths(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		clean, err := validation.SanitizePath(p)
		if err != nil {
			return nil, NewError(CodeInvalidImagePath, err.Error())
		}
		out = append(out, clean)
	}
	return out, nil
}

// Interrupt stops the session's active execution. The interrupted flag
// is written to the store before any kill is attempted, so a concurrent
// initiate observes it first.
func (s *Service) Interrupt(ctx context.Context, sessionID string) (*InterruptResult, error) {
	rec, err := s.loadRecord(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Flag first, side effects after
	if err := s.store.MarkInterrupted(ctx, sessionID); err != nil {
		return nil, WrapError(CodeInternal, "failed to mark session interrupted", err)
	}

	sctx := BuildContext(rec.OrgID, rec.UserID, sessionID, rec.BotID, rec.UpstreamBranch)
	result := &InterruptResult{Success: true}

	// Kill the tracked process, if the store knows one
	activeID, err := s.store.GetActiveExecutionID(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, WrapError(CodeInternal, "failed to read active execution", err)
	}
	issuedKill := false
	if activeID != "" {
		if exec, err := s.store.GetExecution(ctx, activeID); err == nil && exec.ProcessID != "" {
			if err := s.runtime.KillProcess(ctx, sctx.SandboxIdentity, exec.ProcessID, "TERM"); err != nil {
				logger.WarnContext(ctx, "failed to kill tracked process",
					"session_id", sessionID, "process_id", exec.ProcessID, "error", err)
				result.FailedProcessIDs = append(result.FailedProcessIDs, exec.ProcessID)
			} else {
				result.KilledProcessIDs = append(result.KilledProcessIDs, exec.ProcessID)
				issuedKill = true
			}
		}
	}

	// Grace period, then check whether the execution wound down on its
	// own before sweeping.
	if issuedKill {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.InterruptGrace):
		}
	}

	stillActive, err := s.store.GetActiveExecutionID(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, WrapError(CodeInternal, "failed to re-read active execution", err)
	}
	if stillActive != "" {
		killed, failed := s.killSessionProcesses(ctx, sctx)
		result.KilledProcessIDs = append(result.KilledProcessIDs, killed...)
		result.FailedProcessIDs = append(result.FailedProcessIDs, failed...)
	}

	msg, err := s.store.InterruptExecution(ctx, sessionID)
	if err != nil {
		return nil, WrapError(CodeInternal, "failed to finalize interrupt", err)
	}
	result.Message = msg

	metrics.SessionsInterrupted.Inc()
	logger.InfoContext(ctx, "session interrupted",
		"session_id", sessionID, "killed", len(result.KilledProcessIDs), "failed", len(result.FailedProcessIDs))
	return result, nil
}

// killSessionProcesses sweeps the sandbox for live CLI processes bound
// to this session's workspace and kills them. Returns killed and
// failed process ids.
func (s *Service) killSessionProcesses(ctx context.Context, sctx *SessionContext) (killed, failed []string) {
	procs, err := s.runtime.ListProcesses(ctx, sctx.SandboxIdentity)
	if err != nil {
		logger.WarnContext(ctx, "failed to list sandbox processes",
			"session_id", sctx.SessionID, "error", err)
		return nil, nil
	}
	for _, p := range procs {
		if !p.Status.Alive() || !kilo.IsSessionProcess(p.Command, sctx.Workspace) {
			continue
		}
		if err := s.runtime.KillProcess(ctx, sctx.SandboxIdentity, p.ID, "KILL"); err != nil {
			logger.WarnContext(ctx, "failed to kill session process",
				"session_id", sctx.SessionID, "process_id", p.ID, "error", err)
			failed = append(failed, p.ID)
			continue
		}
		killed = append(killed, p.ID)
	}
	return killed, failed
}

// sweepSessionProcesses is the best-effort cleanup hook used on
// terminal conditions. All failures are swallowed.
func (s *Service) sweepSessionProcesses(ctx context.Context, sctx *SessionContext) {
	killed, failed := s.killSessionProcesses(ctx, sctx)
	if len(killed) > 0 || len(failed) > 0 {
		logger.InfoContext(ctx, "terminal-condition cleanup",
			"session_id", sctx.SessionID, "killed", len(killed), "failed", len(failed))
	}
}

// Delete removes a session. Workspace and sandbox cleanup failures are
// logged and swallowed; durable record deletion failure is escalated
// so metadata never leaks silently.
func (s *Service) Delete(ctx context.Context, sessionID string) (*DeleteResult, error) {
	rec, err := s.loadRecord(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sctx := BuildContext(rec.OrgID, rec.UserID, sessionID, rec.BotID, rec.UpstreamBranch)

	// Best-effort: stop anything still running, then drop the workspace
	s.sweepSessionProcesses(ctx, sctx)
	if _, err := s.runtime.Exec(ctx, sctx.SandboxIdentity, sandbox.ExecSpec{
		Command: "rm -rf " + shellQuote(sctx.SessionHome),
	}); err != nil {
		logger.WarnContext(ctx, "failed to remove session workspace",
			"session_id", sessionID, "error", err)
	}
	if err := s.runtime.DeleteSession(ctx, sctx.SandboxIdentity); err != nil {
		logger.WarnContext(ctx, "failed to delete sandbox",
			"session_id", sessionID, "error", err)
	}

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewError(CodeSessionNotFound, "session not found")
		}
		return nil, WrapError(CodeInternal, "failed to delete session record", err)
	}

	s.locks.Delete(sessionID)
	metrics.SessionsDeleted.Inc()
	logger.InfoContext(ctx, "session deleted", "session_id", sessionID)
	return &DeleteResult{Success: true}, nil
}

// GetSession returns the sanitized status snapshot for a session
func (s *Service) GetSession(ctx context.Context, sessionID string) (*Snapshot, error) {
	rec, err := s.loadRecord(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	queued, err := s.store.GetQueuedCount(ctx, sessionID)
	if err != nil {
		return nil, WrapError(CodeInternal, "failed to read queued count", err)
	}

	envNames := make([]string, 0, len(rec.EnvVars))
	for name := range rec.EnvVars {
		envNames = append(envNames, name)
	}

	return &Snapshot{
		SessionID:         rec.SessionID,
		Status:            sessionStatus(rec),
		Mode:              rec.Mode,
		Model:             rec.Model,
		GithubRepo:        rec.GithubRepo,
		GitURL:            rec.GitURL,
		EnvVarNames:       envNames,
		KiloSessionID:     rec.KiloSessionID,
		PreparedAt:        rec.PreparedAt,
		InitiatedAt:       rec.InitiatedAt,
		Interrupted:       rec.Interrupted,
		ActiveExecutionID: rec.ActiveExecutionID,
		QueuedCount:       queued,
	}, nil
}

// ListSessions returns summaries for a user's sessions (all sessions
// when userID is empty).
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*store.SessionSummary, error) {
	sums, err := s.store.ListSessions(ctx, userID)
	if err != nil {
		return nil, WrapError(CodeInternal, "failed to list sessions", err)
	}
	return sums, nil
}

func sessionStatus(rec *store.SessionRecord) string {
	switch {
	case rec.Interrupted:
		return "interrupted"
	case rec.ActiveExecutionID != "":
		return "running"
	case rec.InitiatedAt != nil:
		return "initiated"
	default:
		return "prepared"
	}
}

// loadRecord loads a session record, mapping store errors onto the
// session taxonomy.
func (s *Service) loadRecord(ctx context.Context, sessionID string) (*store.SessionRecord, error) {
	rec, err := s.store.GetMetadata(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewError(CodeSessionNotFound, "session not found")
		}
		if errors.Is(err, store.ErrIntegrity) {
			return nil, WrapError(CodeIntegrity, "session record failed validation", err)
		}
		return nil, WrapError(CodeInternal, "failed to load session", err)
	}
	return rec, nil
}

// failExecution records a failed execution and releases the active
// pointer. Best-effort; the original error is what the caller sees.
func (s *Service) failExecution(ctx context.Context, executionID string, cause error) {
	if err := s.store.CompleteExecution(ctx, executionID, store.ExecutionFailed, cause.Error()); err != nil {
		logger.WarnContext(ctx, "failed to record execution failure",
			"execution_id", executionID, "error", err)
	}
	metrics.ExecutionsFailed.Inc()
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// runStream drives one execution's event flow: interrupt polling at
// every yield boundary, kilo session id capture, heartbeats, and the
// synthesized terminal event. It implements agent.EventStream.
type runStream struct {
	svc         *Service
	sctx        *SessionContext
	executionID string
	src         agent.EventStream
	skipPolling bool
	startedAt   time.Time

	done bool
	err  error
}

var _ agent.EventStream = (*runStream)(nil)

// Next returns the next event of the session stream. The stream always
// ends with exactly one terminal-class event followed by io.EOF.
func (r *runStream) Next(ctx context.Context) (*agent.StreamEvent, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.done {
		r.err = io.EOF
		return nil, r.err
	}

	sessionID := r.sctx.SessionID

	// The interrupted flag is checked between events, not only at the
	// start, so a mid-stream interrupt stops the stream promptly.
	if !r.skipPolling {
		if interrupted, err := r.svc.store.IsInterrupted(ctx, sessionID); err == nil && interrupted {
			r.finish(ctx, store.ExecutionInterrupted, "interrupted by user")
			go r.svc.sweepSessionProcesses(context.WithoutCancel(ctx), r.sctx)
			return agent.NewInterruptedEvent(sessionID, "interrupted by user"), nil
		}
	}

	ev, err := r.src.Next(ctx)
	if err == nil {
		if ev.Type == agent.StreamEventDomain {
			r.captureKiloSessionID(ctx, ev)
		}
		if hbErr := r.svc.store.Heartbeat(ctx, r.executionID); hbErr != nil {
			logger.WarnContext(ctx, "heartbeat failed",
				"execution_id", r.executionID, "error", hbErr)
		}
		return ev, nil
	}

	switch {
	case errors.Is(err, io.EOF):
		// Clean exit: post-processing, then the synthesized complete
		// event ends the stream.
		r.finish(ctx, store.ExecutionCompleted, "")
		metrics.ExecutionsCompleted.Inc()
		return agent.NewCompleteEvent(sessionID, 0, map[string]any{
			"executionId": r.executionID,
		}), nil

	case isTerminalCondition(err):
		// The detector already emitted the error event; the store just
		// needs the outcome. No post-processing runs after this.
		r.finish(ctx, store.ExecutionFailed, err.Error())
		metrics.ExecutionsFailed.Inc()
		r.err = io.EOF
		return nil, r.err

	default:
		var timeoutErr *kilo.TimeoutError
		var exitErr *kilo.ExitError
		if errors.As(err, &timeoutErr) || errors.As(err, &exitErr) {
			r.finish(ctx, store.ExecutionFailed, err.Error())
			metrics.ExecutionsFailed.Inc()
			r.done = true
			return agent.NewErrorEvent(sessionID, err.Error()), nil
		}

		// Transport or context failure
		r.finish(ctx, store.ExecutionFailed, err.Error())
		metrics.ExecutionsFailed.Inc()
		r.err = err
		return nil, r.err
	}
}

func isTerminalCondition(err error) bool {
	var tc *kilo.TerminalConditionError
	return errors.As(err, &tc)
}

// finish finalizes the execution exactly once
func (r *runStream) finish(ctx context.Context, status store.ExecutionStatus, errMsg string) {
	if r.done {
		return
	}
	r.done = true
	metrics.ExecutionDuration.WithLabelValues(string(status)).Observe(time.Since(r.startedAt).Seconds())
	if err := r.svc.store.CompleteExecution(ctx, r.executionID, status, errMsg); err != nil {
		logger.WarnContext(ctx, "failed to finalize execution",
			"execution_id", r.executionID, "error", err)
	}
}

// captureKiloSessionID records the CLI's own session id the first time
// a session_created event passes through. Store failures never abort
// the stream.
func (r *runStream) captureKiloSessionID(ctx context.Context, ev *agent.StreamEvent) {
	id, ok := kilo.SessionCreatedID(ev.Payload)
	if !ok {
		return
	}
	if err := r.svc.store.UpdateKiloSessionID(ctx, r.sctx.SessionID, id); err != nil {
		logger.WarnContext(ctx, "failed to record kilo session id",
			"session_id", r.sctx.SessionID, "error", err)
	}
}
