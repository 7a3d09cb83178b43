package guard

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kc92/desperado/internal/economy/domain"
	"github.com/kc92/desperado/internal/economy/storage/sqlite"
)

func newTestGuard(t *testing.T, opts ...Option) (*Guard, *time.Time) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "guard.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := []Option{WithClock(func() time.Time { return now })}
	return New(store, append(base, opts...)...), &now
}

func TestDoRequiresKey(t *testing.T) {
	guard, _ := newTestGuard(t)

	_, err := guard.Do(context.Background(), "  ", func(context.Context) (string, error) {
		return "", nil
	})
	if !domain.IsCode(err, domain.CodeIdempotencyKeyEmpty) {
		t.Fatalf("Do() error = %v, want %s", err, domain.CodeIdempotencyKeyEmpty)
	}
}

func TestDoRunsOnceAndReplaysResult(t *testing.T) {
	guard, _ := newTestGuard(t)
	ctx := context.Background()

	runs := 0
	op := func(context.Context) (string, error) {
		runs++
		return `{"balance":75}`, nil
	}

	first, err := guard.Do(ctx, "debit-1", op)
	if err != nil {
		t.Fatalf("first Do() error = %v", err)
	}
	if first.Replayed || first.Result != `{"balance":75}` {
		t.Fatalf("first outcome = %+v, want fresh result", first)
	}

	second, err := guard.Do(ctx, "debit-1", op)
	if err != nil {
		t.Fatalf("second Do() error = %v", err)
	}
	if !second.Replayed || second.Result != `{"balance":75}` {
		t.Fatalf("second outcome = %+v, want replayed result", second)
	}
	if runs != 1 {
		t.Fatalf("operation ran %d times, want 1", runs)
	}
}

func TestDoReplaysBusinessFailure(t *testing.T) {
	guard, _ := newTestGuard(t)
	ctx := context.Background()

	opErr := domain.E(domain.CodeInsufficientFunds, "balance 10 cannot cover 30")
	runs := 0
	_, err := guard.Do(ctx, "debit-2", func(context.Context) (string, error) {
		runs++
		return "", opErr
	})
	if !errors.Is(err, opErr) {
		t.Fatalf("first Do() error = %v, want the operation error", err)
	}

	outcome, err := guard.Do(ctx, "debit-2", func(context.Context) (string, error) {
		runs++
		return "", nil
	})
	if !domain.IsCode(err, domain.CodeIdempotencyKeyFailed) {
		t.Fatalf("replayed failure error = %v, want %s", err, domain.CodeIdempotencyKeyFailed)
	}
	if !outcome.Replayed {
		t.Fatal("replayed failure must report Replayed")
	}
	if runs != 1 {
		t.Fatalf("operation ran %d times, want 1", runs)
	}
}

func TestDoRetriesAfterTransientFailure(t *testing.T) {
	guard, _ := newTestGuard(t)
	ctx := context.Background()

	// Faults that may not recur must not be pinned as the key's outcome.
	for _, tc := range []struct {
		name  string
		key   string
		opErr error
	}{
		{name: "coded transient", key: "settle-1", opErr: domain.E(domain.CodeLockTimeout, "lock wait exhausted")},
		{name: "unclassified", key: "settle-2", opErr: errors.New("database is locked")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			runs := 0
			_, err := guard.Do(ctx, tc.key, func(context.Context) (string, error) {
				runs++
				return "", tc.opErr
			})
			if !errors.Is(err, tc.opErr) {
				t.Fatalf("first Do() error = %v, want the operation error", err)
			}

			outcome, err := guard.Do(ctx, tc.key, func(context.Context) (string, error) {
				runs++
				return "settled", nil
			})
			if err != nil {
				t.Fatalf("retry Do() error = %v", err)
			}
			if outcome.Replayed || outcome.Result != "settled" {
				t.Fatalf("retry outcome = %+v, want fresh run", outcome)
			}
			if runs != 2 {
				t.Fatalf("operation ran %d times, want 2", runs)
			}
		})
	}
}

func TestDoRejectsConcurrentDuplicate(t *testing.T) {
	guard, _ := newTestGuard(t)
	ctx := context.Background()

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := guard.Do(ctx, "debit-3", func(context.Context) (string, error) {
			close(started)
			<-finish
			return "ok", nil
		})
		done <- err
	}()

	<-started
	_, err := guard.Do(ctx, "debit-3", func(context.Context) (string, error) {
		return "duplicate", nil
	})
	if !domain.IsCode(err, domain.CodeOperationInFlight) {
		t.Fatalf("concurrent Do() error = %v, want %s", err, domain.CodeOperationInFlight)
	}
	if !domain.Transient(err) {
		t.Fatal("in-flight rejection must be retryable")
	}

	close(finish)
	if err := <-done; err != nil {
		t.Fatalf("guarded operation error = %v", err)
	}
}

func TestDoTakesOverStaleClaim(t *testing.T) {
	guard, now := newTestGuard(t, WithStaleAfter(time.Minute))
	ctx := context.Background()

	// Simulate a crash: the claim is taken but never resolved.
	blocked := make(chan struct{})
	go func() {
		_, _ = guard.Do(ctx, "debit-4", func(context.Context) (string, error) {
			close(blocked)
			select {} // never returns
		})
	}()
	<-blocked

	// Within the window the claim holds.
	if _, err := guard.Do(ctx, "debit-4", func(context.Context) (string, error) {
		return "", nil
	}); !domain.IsCode(err, domain.CodeOperationInFlight) {
		t.Fatalf("early retry error = %v, want %s", err, domain.CodeOperationInFlight)
	}

	// Past the window the operation may run again.
	*now = now.Add(2 * time.Minute)
	outcome, err := guard.Do(ctx, "debit-4", func(context.Context) (string, error) {
		return "recovered", nil
	})
	if err != nil {
		t.Fatalf("takeover Do() error = %v", err)
	}
	if outcome.Replayed || outcome.Result != "recovered" {
		t.Fatalf("takeover outcome = %+v, want fresh run", outcome)
	}
}
