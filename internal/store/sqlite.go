package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the store database
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; avoids SQLITE_BUSY churn under concurrent sessions
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id          TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		org_id              TEXT NOT NULL DEFAULT '',
		bot_id              TEXT NOT NULL DEFAULT '',
		prompt              TEXT NOT NULL DEFAULT '',
		mode                TEXT NOT NULL DEFAULT '',
		model               TEXT NOT NULL DEFAULT '',
		github_repo         TEXT NOT NULL DEFAULT '',
		git_url             TEXT NOT NULL DEFAULT '',
		git_token           TEXT NOT NULL DEFAULT '',
		upstream_branch     TEXT NOT NULL DEFAULT '',
		env_vars            TEXT NOT NULL DEFAULT '{}',
		setup_commands      TEXT NOT NULL DEFAULT '[]',
		kilo_session_id     TEXT NOT NULL DEFAULT '',
		prepared_at         TIMESTAMP NOT NULL,
		initiated_at        TIMESTAMP,
		interrupted         INTEGER NOT NULL DEFAULT 0,
		active_execution_id TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at          TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS executions (
		execution_id   TEXT PRIMARY KEY,
		session_id     TEXT NOT NULL,
		status         TEXT NOT NULL,
		started_at     TIMESTAMP NOT NULL,
		last_heartbeat TIMESTAMP NOT NULL,
		process_id     TEXT NOT NULL DEFAULT '',
		error          TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (session_id) REFERENCES sessions(session_id)
	);

	CREATE TABLE IF NOT EXISTS queued_prompts (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		prompt     TEXT NOT NULL,
		queued_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id);
	CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
	CREATE INDEX IF NOT EXISTS idx_queued_session ON queued_prompts(session_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// CreateSession persists a new record in prepared shape
func (s *SQLiteStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	envJSON, err := json.Marshal(rec.EnvVars)
	if err != nil {
		return fmt.Errorf("failed to encode env vars: %w", err)
	}
	cmdsJSON, err := json.Marshal(rec.SetupCommands)
	if err != nil {
		return fmt.Errorf("failed to encode setup commands: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, user_id, org_id, bot_id, prompt, mode, model,
			github_repo, git_url, git_token, upstream_branch,
			env_vars, setup_commands, prepared_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.UserID, rec.OrgID, rec.BotID, rec.Prompt,
		rec.Mode, rec.Model, rec.GithubRepo, rec.GitURL, rec.GitToken,
		rec.UpstreamBranch, string(envJSON), string(cmdsJSON), rec.PreparedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetMetadata loads and validates a session record
func (s *SQLiteStore) GetMetadata(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, org_id, bot_id, prompt, mode, model,
		       github_repo, git_url, git_token, upstream_branch,
		       env_vars, setup_commands,
		       kilo_session_id, prepared_at, initiated_at, interrupted,
		       active_execution_id, created_at, updated_at
		FROM sessions WHERE session_id = ?`, sessionID)

	var rec SessionRecord
	var envJSON, cmdsJSON string
	var initiatedAt sql.NullTime
	var interrupted int

	err := row.Scan(&rec.SessionID, &rec.UserID, &rec.OrgID, &rec.BotID,
		&rec.Prompt, &rec.Mode, &rec.Model, &rec.GithubRepo, &rec.GitURL,
		&rec.GitToken, &rec.UpstreamBranch, &envJSON, &cmdsJSON, &rec.KiloSessionID,
		&rec.PreparedAt, &initiatedAt, &interrupted,
		&rec.ActiveExecutionID, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if err := json.Unmarshal([]byte(envJSON), &rec.EnvVars); err != nil {
		return nil, fmt.Errorf("%w: session %s env vars: %v", ErrIntegrity, sessionID, err)
	}
	if err := json.Unmarshal([]byte(cmdsJSON), &rec.SetupCommands); err != nil {
		return nil, fmt.Errorf("%w: session %s setup commands: %v", ErrIntegrity, sessionID, err)
	}
	if initiatedAt.Valid {
		t := initiatedAt.Time
		rec.InitiatedAt = &t
	}
	rec.Interrupted = interrupted != 0

	if err := validateRecord(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// TryInitiate claims the session for a new execution. The UPDATE is
// guarded on the active pointer being clear and the interrupted flag
// unset, so exactly one concurrent caller wins.
func (s *SQLiteStore) TryInitiate(ctx context.Context, sessionID, executionID string) (*TryInitiateResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET active_execution_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND active_execution_id = '' AND interrupted = 0`,
		executionID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if n == 0 {
		// Lost the race, the session is missing, or it is interrupted.
		// Distinguish for the caller without claiming anything.
		var active string
		var interrupted int
		row := tx.QueryRowContext(ctx,
			`SELECT active_execution_id, interrupted FROM sessions WHERE session_id = ?`, sessionID)
		if err := row.Scan(&active, &interrupted); errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		} else if err != nil {
			return nil, fmt.Errorf("failed to inspect session: %w", err)
		}
		reason := "another execution is already active"
		if interrupted != 0 {
			reason = "session is interrupted"
		}
		return &TryInitiateResult{Success: false, Reason: reason}, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO executions (execution_id, session_id, status, started_at, last_heartbeat)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`,
		executionID, sessionID, ExecutionRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit initiate: %w", err)
	}

	rec, err := s.GetMetadata(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &TryInitiateResult{Success: true, Record: rec}, nil
}

// MarkInitiated stamps initiatedAt once; later calls are no-ops
func (s *SQLiteStore) MarkInitiated(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET initiated_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND initiated_at IS NULL`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark initiated: %w", err)
	}
	return nil
}

// MarkInterrupted sets the interrupted flag
func (s *SQLiteStore) MarkInterrupted(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET interrupted = 1, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark interrupted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearInterrupted resets the interrupted flag
func (s *SQLiteStore) ClearInterrupted(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET interrupted = 0, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to clear interrupted: %w", err)
	}
	return nil
}

// IsInterrupted reads the interrupted flag
func (s *SQLiteStore) IsInterrupted(ctx context.Context, sessionID string) (bool, error) {
	var interrupted int
	row := s.db.QueryRowContext(ctx,
		`SELECT interrupted FROM sessions WHERE session_id = ?`, sessionID)
	if err := row.Scan(&interrupted); errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	} else if err != nil {
		return false, fmt.Errorf("failed to read interrupted flag: %w", err)
	}
	return interrupted != 0, nil
}

// InterruptExecution marks the active execution interrupted and clears
// the pointer
func (s *SQLiteStore) InterruptExecution(ctx context.Context, sessionID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active string
	row := tx.QueryRowContext(ctx,
		`SELECT active_execution_id FROM sessions WHERE session_id = ?`, sessionID)
	if err := row.Scan(&active); errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("failed to read active execution: %w", err)
	}

	if active == "" {
		return "no active execution", tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE executions SET status = ?, last_heartbeat = CURRENT_TIMESTAMP
		WHERE execution_id = ? AND status = ?`,
		ExecutionInterrupted, active, ExecutionRunning); err != nil {
		return "", fmt.Errorf("failed to interrupt execution: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET active_execution_id = '', updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ?`, sessionID); err != nil {
		return "", fmt.Errorf("failed to clear active execution: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit interrupt: %w", err)
	}
	return fmt.Sprintf("interrupted execution %s", active), nil
}

// GetActiveExecutionID returns the active execution id or ""
func (s *SQLiteStore) GetActiveExecutionID(ctx context.Context, sessionID string) (string, error) {
	var active string
	row := s.db.QueryRowContext(ctx,
		`SELECT active_execution_id FROM sessions WHERE session_id = ?`, sessionID)
	if err := row.Scan(&active); errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("failed to read active execution: %w", err)
	}
	return active, nil
}

// GetExecution loads one execution attempt
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	var exec Execution
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, session_id, status, started_at, last_heartbeat, process_id, error
		FROM executions WHERE execution_id = ?`, executionID)
	err := row.Scan(&exec.ID, &exec.SessionID, &exec.Status,
		&exec.StartedAt, &exec.LastHeartbeat, &exec.ProcessID, &exec.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return &exec, nil
}

// CompleteExecution finalizes an execution and releases the active
// pointer when it still points here
func (s *SQLiteStore) CompleteExecution(ctx context.Context, executionID string, status ExecutionStatus, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE executions SET status = ?, error = ?, last_heartbeat = CURRENT_TIMESTAMP
		WHERE execution_id = ?`, status, errMsg, executionID); err != nil {
		return fmt.Errorf("failed to complete execution: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET active_execution_id = '', updated_at = CURRENT_TIMESTAMP
		WHERE active_execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("failed to release active execution: %w", err)
	}
	return tx.Commit()
}

// SetExecutionProcess records the sandbox process id
func (s *SQLiteStore) SetExecutionProcess(ctx context.Context, executionID, processID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET process_id = ? WHERE execution_id = ?`, processID, executionID)
	if err != nil {
		return fmt.Errorf("failed to set process id: %w", err)
	}
	return nil
}

// Heartbeat refreshes execution liveness
func (s *SQLiteStore) Heartbeat(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE executions SET last_heartbeat = CURRENT_TIMESTAMP
		WHERE execution_id = ? AND status = ?`, executionID, ExecutionRunning)
	if err != nil {
		return fmt.Errorf("failed to heartbeat: %w", err)
	}
	return nil
}

// EnqueuePrompt appends a prompt to the session's queue
func (s *SQLiteStore) EnqueuePrompt(ctx context.Context, sessionID, prompt string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queued_prompts (session_id, prompt) VALUES (?, ?)`, sessionID, prompt)
	if err != nil {
		return fmt.Errorf("failed to enqueue prompt: %w", err)
	}
	return nil
}

// GetQueuedCount returns the number of queued prompts
func (s *SQLiteStore) GetQueuedCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_prompts WHERE session_id = ?`, sessionID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count queued prompts: %w", err)
	}
	return count, nil
}

// UpdateKiloSessionID stores the CLI session id, first write wins
func (s *SQLiteStore) UpdateKiloSessionID(ctx context.Context, sessionID, kiloSessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET kilo_session_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE session_id = ? AND kilo_session_id = ''`, kiloSessionID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update kilo session id: %w", err)
	}
	return nil
}

// DeleteSession removes the record, its executions, and queued prompts
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM executions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete executions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queued_prompts WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete queued prompts: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ListSessions returns summaries for a user's sessions, newest first
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*SessionSummary, error) {
	query := `
		SELECT session_id, user_id, org_id, bot_id, github_repo, git_url,
		       interrupted, active_execution_id, prepared_at, initiated_at, updated_at
		FROM sessions`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var initiatedAt sql.NullTime
		var interrupted int
		if err := rows.Scan(&sum.SessionID, &sum.UserID, &sum.OrgID, &sum.BotID,
			&sum.GithubRepo, &sum.GitURL, &interrupted, &sum.ActiveExecutionID,
			&sum.PreparedAt, &initiatedAt, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session summary: %w", err)
		}
		if initiatedAt.Valid {
			t := initiatedAt.Time
			sum.InitiatedAt = &t
		}
		sum.Interrupted = interrupted != 0
		out = append(out, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return out, nil
}

// RecoverStaleExecutions fails running executions whose heartbeat is
// older than cutoff and releases their active pointers
func (s *SQLiteStore) RecoverStaleExecutions(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT execution_id FROM executions
		WHERE status = ? AND last_heartbeat < ?`, ExecutionRunning, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to find stale executions: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan stale execution: %w", err)
		}
		stale = append(stale, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate stale executions: %w", err)
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `
			UPDATE executions SET status = ?, error = 'stale execution recovered'
			WHERE execution_id = ?`, ExecutionFailed, id); err != nil {
			return 0, fmt.Errorf("failed to fail stale execution: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET active_execution_id = '', updated_at = CURRENT_TIMESTAMP
			WHERE active_execution_id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to release stale execution: %w", err)
		}
	}
	return len(stale), tx.Commit()
}

// PurgeOldSessions deletes sessions with no active execution last
// updated before cutoff
func (s *SQLiteStore) PurgeOldSessions(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT session_id FROM sessions
		WHERE active_execution_id = '' AND updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to find old sessions: %w", err)
	}
	var old []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan old session: %w", err)
		}
		old = append(old, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate old sessions: %w", err)
	}

	for _, id := range old {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM executions WHERE session_id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to purge executions: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queued_prompts WHERE session_id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to purge queued prompts: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE session_id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to purge session: %w", err)
		}
	}
	return len(old), tx.Commit()
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
