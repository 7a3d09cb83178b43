package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kc92/desperado/internal/economy/storage"
)

// tryAcquireLockQuery inserts a fresh lock row or takes over an expired one
// in a single statement. The fence increments on every successful takeover
// and never resets, so it is usable as a fencing token for the lock's whole
// lifetime.
const tryAcquireLockQuery = `
INSERT INTO locks (key, holder_token, fence, acquired_at, expires_at)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    holder_token = excluded.holder_token,
    fence = locks.fence + 1,
    acquired_at = excluded.acquired_at,
    expires_at = excluded.expires_at
WHERE locks.expires_at <= excluded.acquired_at
RETURNING fence
`

// TryAcquireLock attempts a single non-blocking lock acquisition.
func (s *Store) TryAcquireLock(ctx context.Context, key, token string, ttl time.Duration, now time.Time) (storage.LockRow, bool, error) {
	if err := ctx.Err(); err != nil {
		return storage.LockRow{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.LockRow{}, false, fmt.Errorf("storage is not configured")
	}

	acquiredAt := now.UTC()
	expiresAt := acquiredAt.Add(ttl)

	var fence int64
	err := s.sqlDB.QueryRowContext(ctx, tryAcquireLockQuery,
		key,
		token,
		toMillis(acquiredAt),
		toMillis(expiresAt),
	).Scan(&fence)
	if err == sql.ErrNoRows {
		// Held by a live holder.
		return storage.LockRow{}, false, nil
	}
	if err != nil {
		return storage.LockRow{}, false, fmt.Errorf("acquire lock: %w", err)
	}

	return storage.LockRow{
		Key:         key,
		HolderToken: token,
		Fence:       fence,
		AcquiredAt:  acquiredAt,
		ExpiresAt:   expiresAt,
	}, true, nil
}

// ReleaseLock expires the lock only while token still matches the holder.
//
// The row is kept (expired, not deleted) so the per-key fence keeps
// incrementing across the lock's whole history. A stale token is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE locks SET expires_at = 0 WHERE key = ? AND holder_token = ? AND expires_at > 0
`, key, token)
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock rows affected: %w", err)
	}
	return affected > 0, nil
}

// RefreshLock extends the TTL only while token matches a still-live holder.
func (s *Store) RefreshLock(ctx context.Context, key, token string, ttl time.Duration, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	nowUTC := now.UTC()
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE locks SET expires_at = ? WHERE key = ? AND holder_token = ? AND expires_at > ?
`, toMillis(nowUTC.Add(ttl)), key, token, toMillis(nowUTC))
	if err != nil {
		return false, fmt.Errorf("refresh lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("refresh lock rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetLock loads the durable state of one lock key.
func (s *Store) GetLock(ctx context.Context, key string) (storage.LockRow, error) {
	if err := ctx.Err(); err != nil {
		return storage.LockRow{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.LockRow{}, fmt.Errorf("storage is not configured")
	}

	var (
		row        storage.LockRow
		acquiredAt int64
		expiresAt  int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT key, holder_token, fence, acquired_at, expires_at FROM locks WHERE key = ?
`, key).Scan(&row.Key, &row.HolderToken, &row.Fence, &acquiredAt, &expiresAt)
	if err == sql.ErrNoRows {
		return storage.LockRow{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.LockRow{}, fmt.Errorf("get lock: %w", err)
	}
	row.AcquiredAt = fromMillis(acquiredAt)
	row.ExpiresAt = fromMillis(expiresAt)
	return row, nil
}
