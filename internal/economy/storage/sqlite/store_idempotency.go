package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kc92/desperado/internal/economy/storage"
)

// claimIdempotencyQuery claims a key in one statement: a fresh insert wins,
// and a RUNNING claim older than the stale cutoff may be taken over.
// Terminal rows and live claims are left untouched.
const claimIdempotencyQuery = `
INSERT INTO idempotency_keys (key, status, result, last_error, created_at, updated_at)
VALUES (?, 'RUNNING', '', '', ?, ?)
ON CONFLICT(key) DO UPDATE SET
    status = 'RUNNING',
    updated_at = excluded.updated_at
WHERE idempotency_keys.status = 'RUNNING' AND idempotency_keys.updated_at <= ?
RETURNING key, status, result, last_error, created_at, updated_at
`

// ClaimIdempotencyKey attempts to claim key for execution.
//
// The boolean reports whether the caller owns the claim; when false the
// returned row describes the prior execution (terminal result or a live
// in-flight claim).
func (s *Store) ClaimIdempotencyKey(ctx context.Context, key string, now time.Time, staleAfter time.Duration) (storage.IdempotencyRow, bool, error) {
	if err := ctx.Err(); err != nil {
		return storage.IdempotencyRow{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.IdempotencyRow{}, false, fmt.Errorf("storage is not configured")
	}

	nowMs := toMillis(now.UTC())
	staleCutoff := toMillis(now.UTC().Add(-staleAfter))

	row, err := scanIdempotencyRow(s.sqlDB.QueryRowContext(ctx, claimIdempotencyQuery, key, nowMs, nowMs, staleCutoff))
	if err == sql.ErrNoRows {
		existing, getErr := s.GetIdempotencyKey(ctx, key)
		if getErr != nil {
			return storage.IdempotencyRow{}, false, fmt.Errorf("load contested idempotency key: %w", getErr)
		}
		return existing, false, nil
	}
	if err != nil {
		return storage.IdempotencyRow{}, false, fmt.Errorf("claim idempotency key: %w", err)
	}
	return row, true, nil
}

// ResolveIdempotencyKey records the terminal outcome for a claimed key.
func (s *Store) ResolveIdempotencyKey(ctx context.Context, key string, status storage.IdempotencyStatus, result, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if status != storage.IdempotencyCompleted && status != storage.IdempotencyFailed {
		return fmt.Errorf("idempotency resolution must be terminal, got %q", status)
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE idempotency_keys SET status = ?, result = ?, last_error = ?, updated_at = ? WHERE key = ?
`, string(status), result, lastError, toMillis(s.now()), key)
	if err != nil {
		return fmt.Errorf("resolve idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve idempotency key rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ReleaseIdempotencyKey drops a RUNNING claim without recording an outcome,
// so the next caller claims the key fresh. Terminal rows are left untouched;
// releasing a key with no live claim is a no-op.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM idempotency_keys WHERE key = ? AND status = 'RUNNING'
`, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// GetIdempotencyKey loads one idempotency record.
func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (storage.IdempotencyRow, error) {
	if err := ctx.Err(); err != nil {
		return storage.IdempotencyRow{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.IdempotencyRow{}, fmt.Errorf("storage is not configured")
	}

	row, err := scanIdempotencyRow(s.sqlDB.QueryRowContext(ctx, `
SELECT key, status, result, last_error, created_at, updated_at FROM idempotency_keys WHERE key = ?
`, key))
	if err == sql.ErrNoRows {
		return storage.IdempotencyRow{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.IdempotencyRow{}, fmt.Errorf("get idempotency key: %w", err)
	}
	return row, nil
}

func scanIdempotencyRow(row *sql.Row) (storage.IdempotencyRow, error) {
	var (
		record    storage.IdempotencyRow
		status    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&record.Key, &status, &record.Result, &record.LastError, &createdAt, &updatedAt); err != nil {
		return storage.IdempotencyRow{}, err
	}
	record.Status = storage.IdempotencyStatus(status)
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
