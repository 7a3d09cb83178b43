package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kc92/desperado/internal/economy/domain"
	"github.com/kc92/desperado/internal/economy/storage/sqlite"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *time.Time) {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "locks.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := []Option{
		WithClock(func() time.Time { return now }),
		WithMaxTries(2),
		WithRetryInterval(time.Millisecond, 2*time.Millisecond),
	}
	return NewManager(store, append(base, opts...)...), &now
}

func TestAcquireValidation(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := manager.Acquire(ctx, "", time.Second); !domain.IsCode(err, domain.CodeLockKeyEmpty) {
		t.Fatalf("empty key error = %v, want %s", err, domain.CodeLockKeyEmpty)
	}
	if _, err := manager.Acquire(ctx, "k", 0); !domain.IsCode(err, domain.CodeLockInvalidTTL) {
		t.Fatalf("zero ttl error = %v, want %s", err, domain.CodeLockInvalidTTL)
	}
}

func TestAcquireAndRelease(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	lease, err := manager.Acquire(ctx, "table:1", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if lease.Fence != 1 || lease.Token == "" {
		t.Fatalf("lease = %+v, want fence 1 with a token", lease)
	}

	live, err := manager.Validate(ctx, lease)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !live {
		t.Fatal("fresh lease must validate as live")
	}

	if err := manager.Release(ctx, lease); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	live, err = manager.Validate(ctx, lease)
	if err != nil {
		t.Fatalf("Validate() after release error = %v", err)
	}
	if live {
		t.Fatal("released lease must not validate")
	}

	// Releasing again is a quiet no-op.
	if err := manager.Release(ctx, lease); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
}

func TestAcquireContendedTimesOut(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := manager.Acquire(ctx, "table:2", time.Minute); err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	_, err := manager.Acquire(ctx, "table:2", time.Minute)
	if !domain.IsCode(err, domain.CodeLockTimeout) {
		t.Fatalf("contended Acquire() error = %v, want %s", err, domain.CodeLockTimeout)
	}
	if !domain.Transient(err) {
		t.Fatal("lock timeout must be retryable")
	}
}

func TestAcquireAfterExpiryIncrementsFence(t *testing.T) {
	manager, now := newTestManager(t)
	ctx := context.Background()

	first, err := manager.Acquire(ctx, "table:3", 10*time.Second)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	*now = now.Add(11 * time.Second)
	second, err := manager.Acquire(ctx, "table:3", 10*time.Second)
	if err != nil {
		t.Fatalf("takeover Acquire() error = %v", err)
	}
	if second.Fence <= first.Fence {
		t.Fatalf("takeover fence = %d, want > %d", second.Fence, first.Fence)
	}

	// The stale lease can no longer release or validate.
	live, err := manager.Validate(ctx, first)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if live {
		t.Fatal("expired lease must not validate")
	}
	if err := manager.Release(ctx, first); err != nil {
		t.Fatalf("stale Release() error = %v", err)
	}
	live, err = manager.Validate(ctx, second)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !live {
		t.Fatal("stale release must not evict the new holder")
	}
}

func TestRefreshExtendsOnlyLiveLease(t *testing.T) {
	manager, now := newTestManager(t)
	ctx := context.Background()

	lease, err := manager.Acquire(ctx, "table:4", 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	*now = now.Add(5 * time.Second)
	refreshed, err := manager.Refresh(ctx, lease, 30*time.Second)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if want := now.Add(30 * time.Second); !refreshed.ExpiresAt.Equal(want) {
		t.Fatalf("refreshed expiry = %s, want %s", refreshed.ExpiresAt, want)
	}

	*now = now.Add(2 * time.Minute)
	if _, err := manager.Refresh(ctx, refreshed, 30*time.Second); !domain.IsCode(err, domain.CodeLockTimeout) {
		t.Fatalf("expired Refresh() error = %v, want %s", err, domain.CodeLockTimeout)
	}
}

func TestAcquireRetriesUntilReleased(t *testing.T) {
	manager, _ := newTestManager(t, WithMaxTries(20))
	ctx := context.Background()

	lease, err := manager.Acquire(ctx, "table:5", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	release := make(chan error, 1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		release <- manager.Release(context.Background(), lease)
	}()

	contender, err := manager.Acquire(ctx, "table:5", time.Minute)
	if err != nil {
		t.Fatalf("contender Acquire() error = %v", err)
	}
	if contender.Fence <= lease.Fence {
		t.Fatalf("contender fence = %d, want > %d", contender.Fence, lease.Fence)
	}
	if err := <-release; err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}
