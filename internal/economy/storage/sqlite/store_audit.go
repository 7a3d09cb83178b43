package sqlite

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kc92/desperado/internal/economy/domain"
)

// QueryByAccount returns an account's records inside [from, to], oldest first.
//
// A zero from means the beginning of history; a zero to means no upper bound.
func (s *Store) QueryByAccount(ctx context.Context, accountID string, from, to time.Time) ([]domain.TransactionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	fromMs := int64(0)
	if !from.IsZero() {
		fromMs = toMillis(from)
	}
	toMs := int64(math.MaxInt64)
	if !to.IsZero() {
		toMs = toMillis(to)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, account_id, delta, balance_before, balance_after, reason, correlation_id, metadata, created_at
FROM transaction_records
WHERE account_id = ? AND created_at >= ? AND created_at <= ?
ORDER BY created_at ASC, id ASC
`, accountID, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("query records by account: %w", err)
	}
	defer rows.Close()

	return scanTransactionRecords(rows)
}

// QueryByCorrelation returns every record sharing a correlation id, oldest
// first, for tracing a logical operation across accounts.
func (s *Store) QueryByCorrelation(ctx context.Context, correlationID string) ([]domain.TransactionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, account_id, delta, balance_before, balance_after, reason, correlation_id, metadata, created_at
FROM transaction_records
WHERE correlation_id = ?
ORDER BY created_at ASC, id ASC
`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query records by correlation: %w", err)
	}
	defer rows.Close()

	return scanTransactionRecords(rows)
}

// ReplayBalance recomputes an account's balance purely from audit records.
func (s *Store) ReplayBalance(ctx context.Context, accountID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var total int64
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COALESCE(SUM(delta), 0) FROM transaction_records WHERE account_id = ?
`, accountID).Scan(&total); err != nil {
		return 0, fmt.Errorf("replay balance: %w", err)
	}
	return total, nil
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTransactionRecords(rows rowScanner) ([]domain.TransactionRecord, error) {
	var records []domain.TransactionRecord
	for rows.Next() {
		var (
			record    domain.TransactionRecord
			reason    string
			createdAt int64
		)
		if err := rows.Scan(
			&record.ID,
			&record.AccountID,
			&record.Delta,
			&record.BalanceBefore,
			&record.BalanceAfter,
			&reason,
			&record.CorrelationID,
			&record.Metadata,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan transaction record: %w", err)
		}
		record.Reason = domain.Reason(reason)
		record.CreatedAt = fromMillis(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction records: %w", err)
	}
	return records, nil
}
