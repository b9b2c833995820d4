package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(sessionID string) *SessionRecord {
	return &SessionRecord{
		SessionID:  sessionID,
		UserID:     "alice",
		Prompt:     "do the thing",
		GithubRepo: "acme/repo",
		EnvVars:    map[string]string{"KEY": "val"},
		PreparedAt: time.Now().UTC(),
	}
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("s1")
	rec.SetupCommands = []string{"npm install"}
	rec.UpstreamBranch = "develop"
	if err := s.CreateSession(ctx, rec); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := s.GetMetadata(ctx, "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.UserID != "alice" || got.Prompt != "do the thing" || got.GithubRepo != "acme/repo" {
		t.Errorf("fields lost in round trip: %+v", got)
	}
	if got.EnvVars["KEY"] != "val" {
		t.Errorf("env vars lost: %v", got.EnvVars)
	}
	if len(got.SetupCommands) != 1 || got.SetupCommands[0] != "npm install" {
		t.Errorf("setup commands lost: %v", got.SetupCommands)
	}
	if got.UpstreamBranch != "develop" {
		t.Errorf("upstream branch lost: %q", got.UpstreamBranch)
	}
	if got.InitiatedAt != nil || got.Interrupted || got.ActiveExecutionID != "" {
		t.Errorf("fresh record must be in prepared shape: %+v", got)
	}
}

func TestGetMetadataNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetMetadata(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTryInitiateSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, testRecord("s1")); err != nil {
		t.Fatal(err)
	}

	const attempts = 10
	var wg sync.WaitGroup
	results := make([]*TryInitiateResult, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := s.TryInitiate(ctx, "s1", fmt.Sprintf("exec-%d", i))
			if err != nil {
				t.Errorf("attempt %d errored: %v", i, err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Success {
			winners++
			if r.Record == nil {
				t.Error("winner must get the loaded record")
			}
		} else if r.Reason == "" {
			t.Error("losers must get a reason")
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestTryInitiateUnknownSession(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.TryInitiate(context.Background(), "missing", "e1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTryInitiateRejectsInterrupted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, testRecord("s1")); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkInterrupted(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	r, err := s.TryInitiate(ctx, "s1", "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Success {
		t.Fatal("interrupted session must not be claimable")
	}
	if r.Reason != "session is interrupted" {
		t.Errorf("unexpected reason %q", r.Reason)
	}

	// Clearing the flag makes the session claimable again
	if err := s.ClearInterrupted(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	r, err = s.TryInitiate(ctx, "s1", "e2")
	if err != nil || !r.Success {
		t.Fatalf("expected claim after clear, got %+v err=%v", r, err)
	}
}

func TestCompleteExecutionReleasesPointer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, testRecord("s1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TryInitiate(ctx, "s1", "e1"); err != nil {
		t.Fatal(err)
	}

	if err := s.CompleteExecution(ctx, "e1", ExecutionCompleted, ""); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	active, err := s.GetActiveExecutionID(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if active != "" {
		t.Errorf("active pointer not released, got %q", active)
	}

	exec, err := s.GetExecution(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != ExecutionCompleted {
		t.Errorf("status = %s, want completed", exec.Status)
	}

	// A second claim succeeds now
	r, err := s.TryInitiate(ctx, "s1", "e2")
	if err != nil || !r.Success {
		t.Fatalf("re-claim after completion failed: %+v err=%v", r, err)
	}
}

func TestMarkInitiatedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, testRecord("s1")); err != nil {
		t.Fatal(err)
	}

	if err := s.MarkInitiated(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	first, _ := s.GetMetadata(ctx, "s1")
	if first.InitiatedAt == nil {
		t.Fatal("initiatedAt not stamped")
	}

	time.Sleep(1100 * time.Millisecond) // CURRENT_TIMESTAMP has 1s resolution
	if err := s.MarkInitiated(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	second, _ := s.GetMetadata(ctx, "s1")
	if !second.InitiatedAt.Equal(*first.InitiatedAt) {
		t.Errorf("initiatedAt moved on repeat call: %v -> %v", first.InitiatedAt, second.InitiatedAt)
	}
}

func TestUpdateKiloSessionIDFirstWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, testRecord("s1")); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateKiloSessionID(ctx, "s1", "cli-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateKiloSessionID(ctx, "s1", "cli-2"); err != nil {
		t.Fatalf("later write must be a no-op, not an error: %v", err)
	}

	rec, _ := s.GetMetadata(ctx, "s1")
	if rec.KiloSessionID != "cli-1" {
		t.Errorf("first write did not win, got %q", rec.KiloSessionID)
	}
}

func TestInterruptExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, testRecord("s1")); err != nil {
		t.Fatal(err)
	}

	// Nothing active
	msg, err := s.InterruptExecution(ctx, "s1")
	if err != nil {
		t.Fatalf("interrupt with nothing active must not error: %v", err)
	}
	if msg != "no active execution" {
		t.Errorf("unexpected message %q", msg)
	}

	if _, err := s.TryInitiate(ctx, "s1", "e1"); err != nil {
		t.Fatal(err)
	}
	msg, err = s.InterruptExecution(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if msg != "interrupted execution e1" {
		t.Errorf("unexpected message %q", msg)
	}

	exec, _ := s.GetExecution(ctx, "e1")
	if exec.Status != ExecutionInterrupted {
		t.Errorf("status = %s, want interrupted", exec.Status)
	}
	active, _ := s.GetActiveExecutionID(ctx, "s1")
	if active != "" {
		t.Error("active pointer not cleared")
	}
}

func TestQueuedPrompts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, testRecord("s1")); err != nil {
		t.Fatal(err)
	}

	count, err := s.GetQueuedCount(ctx, "s1")
	if err != nil || count != 0 {
		t.Fatalf("expected empty queue, got %d err=%v", count, err)
	}

	if err := s.EnqueuePrompt(ctx, "s1", "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueuePrompt(ctx, "s1", "second"); err != nil {
		t.Fatal(err)
	}
	count, _ = s.GetQueuedCount(ctx, "s1")
	if count != 2 {
		t.Errorf("expected 2 queued, got %d", count)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, testRecord("s1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TryInitiate(ctx, "s1", "e1"); err != nil {
		t.Fatal(err)
	}
	if err := s.EnqueuePrompt(ctx, "s1", "queued"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := s.GetMetadata(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Error("session record should be gone")
	}
	if _, err := s.GetExecution(ctx, "e1"); !errors.Is(err, ErrNotFound) {
		t.Error("executions should cascade")
	}

	if err := s.DeleteSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete should report not found, got %v", err)
	}
}

func TestRecoverStaleExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, testRecord("s1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TryInitiate(ctx, "s1", "e1"); err != nil {
		t.Fatal(err)
	}

	// A cutoff in the past recovers nothing
	n, err := s.RecoverStaleExecutions(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no recoveries, got %d", n)
	}

	// A cutoff in the future catches the running execution
	n, err = s.RecoverStaleExecutions(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovery, got %d", n)
	}

	exec, _ := s.GetExecution(ctx, "e1")
	if exec.Status != ExecutionFailed {
		t.Errorf("stale execution status = %s, want failed", exec.Status)
	}
	active, _ := s.GetActiveExecutionID(ctx, "s1")
	if active != "" {
		t.Error("stale execution must release the active pointer")
	}
}

func TestPurgeOldSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, testRecord("old")); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSession(ctx, testRecord("busy")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TryInitiate(ctx, "busy", "e1"); err != nil {
		t.Fatal(err)
	}

	// Sessions with a live execution survive any cutoff
	n, err := s.PurgeOldSessions(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}

	if _, err := s.GetMetadata(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Error("idle session should be purged")
	}
	if _, err := s.GetMetadata(ctx, "busy"); err != nil {
		t.Errorf("session with active execution must survive: %v", err)
	}
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testRecord("sa")
	b := testRecord("sb")
	b.UserID = "bob"
	b.EnvVars = map[string]string{"SECRET": "value"}
	if err := s.CreateSession(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSession(ctx, b); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListSessions(ctx, "")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(all))
	}

	bobs, err := s.ListSessions(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(bobs) != 1 || bobs[0].SessionID != "sb" {
		t.Errorf("user filter wrong: %+v", bobs)
	}

	none, err := s.ListSessions(ctx, "nobody")
	if err != nil {
		t.Fatalf("empty result must not error: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no summaries, got %d", len(none))
	}
}

func TestValidateRecord(t *testing.T) {
	tests := []struct {
		name string
		rec  *SessionRecord
		ok   bool
	}{
		{"valid", testRecord("s1"), true},
		{"empty id", &SessionRecord{UserID: "u", PreparedAt: time.Now()}, false},
		{"no owner", &SessionRecord{SessionID: "s", PreparedAt: time.Now()}, false},
		{"both git sources", &SessionRecord{SessionID: "s", UserID: "u", GithubRepo: "a/b", GitURL: "x", PreparedAt: time.Now()}, false},
		{"missing preparedAt", &SessionRecord{SessionID: "s", UserID: "u"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRecord(tt.rec)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected validation failure")
				}
				if !errors.Is(err, ErrIntegrity) {
					t.Errorf("expected ErrIntegrity, got %v", err)
				}
			}
		})
	}
}

func TestMarkInterruptedUnknownSession(t *testing.T) {
	s := newTestStore(t)
	if err := s.MarkInterrupted(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
