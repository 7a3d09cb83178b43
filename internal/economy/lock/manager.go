// Package lock provides TTL-based mutual exclusion with fencing tokens.
//
// Locks guard invariants that span more than one durable write, such as a
// capacity check followed by a fee debit. Single-account ledger mutations
// never take a lock; their guard lives in the storage statement itself.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/kc92/desperado/internal/economy/domain"
	"github.com/kc92/desperado/internal/economy/storage"
)

const (
	defaultMaxTries        = uint(5)
	defaultInitialInterval = 50 * time.Millisecond
	defaultMaxInterval     = time.Second
)

var errLockHeld = errors.New("lock held by live holder")

// Lease proves current ownership of one lock key.
//
// Fence is strictly monotonic per key across the lock's whole history: any
// downstream writer comparing fences can reject work from a holder that
// already lost the lock to TTL expiry.
type Lease struct {
	Key       string
	Token     string
	Fence     int64
	ExpiresAt time.Time
}

// Manager acquires and releases durable locks with bounded retries.
type Manager struct {
	store           storage.LockStore
	maxTries        uint
	initialInterval time.Duration
	maxInterval     time.Duration
	clock           func() time.Time
}

// Option configures manager behavior.
type Option func(*Manager)

// WithMaxTries bounds acquisition attempts before ErrLockTimeout.
func WithMaxTries(tries uint) Option {
	return func(m *Manager) {
		if tries > 0 {
			m.maxTries = tries
		}
	}
}

// WithRetryInterval sets the initial and maximum backoff delays.
func WithRetryInterval(initial, max time.Duration) Option {
	return func(m *Manager) {
		if initial > 0 {
			m.initialInterval = initial
		}
		if max > 0 {
			m.maxInterval = max
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewManager wires a lock manager over the lock storage primitive.
func NewManager(store storage.LockStore, opts ...Option) *Manager {
	manager := &Manager{
		store:           store,
		maxTries:        defaultMaxTries,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		clock:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	return manager
}

// Acquire takes the lock or fails with a retryable lock-timeout code after
// bounded backoff. Acquisition blocks only the calling operation.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if strings.TrimSpace(key) == "" {
		return Lease{}, domain.E(domain.CodeLockKeyEmpty, "lock key is required")
	}
	if ttl <= 0 {
		return Lease{}, domain.E(domain.CodeLockInvalidTTL, "lock ttl must be positive, got %s", ttl)
	}

	token := uuid.NewString()
	attempt := func() (storage.LockRow, error) {
		row, acquired, err := m.store.TryAcquireLock(ctx, key, token, ttl, m.clock())
		if err != nil {
			return storage.LockRow{}, backoff.Permanent(err)
		}
		if !acquired {
			return storage.LockRow{}, errLockHeld
		}
		return row, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.initialInterval
	expo.MaxInterval = m.maxInterval

	row, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(m.maxTries),
	)
	if err != nil {
		if errors.Is(err, errLockHeld) {
			return Lease{}, domain.E(domain.CodeLockTimeout, "lock %s still held after %d attempts", key, m.maxTries)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Lease{}, ctxErr
		}
		return Lease{}, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	return Lease{
		Key:       row.Key,
		Token:     row.HolderToken,
		Fence:     row.Fence,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

// Release gives the lock back. A lease that already expired and was taken
// over is a silent no-op: a stale holder can never steal the lock back.
func (m *Manager) Release(ctx context.Context, lease Lease) error {
	released, err := m.store.ReleaseLock(ctx, lease.Key, lease.Token)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lease.Key, err)
	}
	if !released {
		log.Printf("lock release skipped key=%s fence=%d reason=stale_token", lease.Key, lease.Fence)
	}
	return nil
}

// Refresh extends the lease TTL while the token is still the live holder.
//
// A lost lease fails with the retryable lock-timeout code; the caller must
// re-acquire and re-validate before writing anything further.
func (m *Manager) Refresh(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, domain.E(domain.CodeLockInvalidTTL, "lock ttl must be positive, got %s", ttl)
	}
	now := m.clock()
	refreshed, err := m.store.RefreshLock(ctx, lease.Key, lease.Token, ttl, now)
	if err != nil {
		return Lease{}, fmt.Errorf("refresh lock %s: %w", lease.Key, err)
	}
	if !refreshed {
		return Lease{}, domain.E(domain.CodeLockTimeout, "lock %s no longer held by this lease", lease.Key)
	}
	lease.ExpiresAt = now.UTC().Add(ttl)
	return lease, nil
}

// Validate reports whether the lease is still the live holder.
func (m *Manager) Validate(ctx context.Context, lease Lease) (bool, error) {
	row, err := m.store.GetLock(ctx, lease.Key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("validate lock %s: %w", lease.Key, err)
	}
	if row.HolderToken != lease.Token || row.Fence != lease.Fence {
		return false, nil
	}
	return row.ExpiresAt.After(m.clock().UTC()), nil
}
