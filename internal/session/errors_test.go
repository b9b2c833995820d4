package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSessionErrorWrapping(t *testing.T) {
	cause := errors.New("socket closed")
	err := NewRetryableError(CodeTransientRPCDisconnect, "stream dropped", cause)

	if !errors.Is(err, cause) {
		t.Error("wrapped cause must be reachable via errors.Is")
	}
	if !IsRetryable(err) {
		t.Error("expected retryable")
	}
	if CodeOf(err) != CodeTransientRPCDisconnect {
		t.Errorf("code = %s", CodeOf(err))
	}

	plain := NewError(CodeSessionNotFound, "nope")
	if IsRetryable(plain) {
		t.Error("NewError must not be retryable")
	}
	if CodeOf(errors.New("opaque")) != CodeInternal {
		t.Error("unclassified errors map to internal")
	}
}

func TestWithRetryRetriesOnlyRetryable(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2}

	t.Run("retryable exhausts attempts", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), policy, "op", func(ctx context.Context) error {
			calls++
			return NewRetryableError(CodeSandboxColdStart, "cold", errors.New("x"))
		})
		if calls != 3 {
			t.Errorf("expected 3 attempts, got %d", calls)
		}
		if CodeOf(err) != CodeSandboxColdStart {
			t.Errorf("last error not returned: %v", err)
		}
	})

	t.Run("non-retryable fails fast", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), policy, "op", func(ctx context.Context) error {
			calls++
			return NewError(CodeInvalidGitSource, "bad")
		})
		if calls != 1 {
			t.Errorf("expected 1 attempt, got %d", calls)
		}
		if CodeOf(err) != CodeInvalidGitSource {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("success after transient failure", func(t *testing.T) {
		calls := 0
		err := withRetry(context.Background(), policy, "op", func(ctx context.Context) error {
			calls++
			if calls < 2 {
				return NewRetryableError(CodeSandboxColdStart, "cold", errors.New("x"))
			}
			return nil
		})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if calls != 2 {
			t.Errorf("expected 2 attempts, got %d", calls)
		}
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := withRetry(ctx, policy, "op", func(ctx context.Context) error {
			return NewRetryableError(CodeSandboxColdStart, "cold", errors.New("x"))
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestLockMapIndependentKeys(t *testing.T) {
	locks := NewLockMap()
	locks.Lock("a")
	// A different key must not block
	done := make(chan struct{})
	go func() {
		locks.Lock("b")
		locks.Unlock("b")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
	locks.Unlock("a")
	locks.Delete("a")
}
