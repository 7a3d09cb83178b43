package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kc92/desperado/internal/economy/domain"
	"github.com/kc92/desperado/internal/economy/storage"
	"github.com/kc92/desperado/internal/platform/id"
)

// guardedDeltaQuery applies a signed delta only while the balance stays
// within [0, cap]. The guard and the write are one statement, so no
// interleaving can observe or produce an out-of-range balance.
const guardedDeltaQuery = `
UPDATE accounts
SET balance = balance + ?, version = version + 1, updated_at = ?
WHERE id = ?
  AND archived = 0
  AND balance + ? >= 0
  AND balance + ? <= ?
RETURNING balance, version
`

// ApplyDelta applies one guarded balance mutation and its audit record in a
// single transaction.
//
// A correlation id that was already applied to the account trips the audit
// table's UNIQUE constraint; the transaction rolls back untouched and the
// stored record is returned with Replayed set, making retries at-most-once.
func (s *Store) ApplyDelta(ctx context.Context, mut storage.Mutation) (storage.MutationResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.MutationResult{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MutationResult{}, fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.MutationResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := s.applyMutationTx(ctx, tx, mut)
	if err != nil {
		if isConstraintError(err) {
			_ = tx.Rollback()
			return s.replayedMutation(ctx, mut)
		}
		return storage.MutationResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return storage.MutationResult{}, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

// ApplyTransfer debits one account and credits another atomically.
//
// Both balance updates and both audit records commit together; an observer
// can never see value that left one account without arriving in the other.
func (s *Store) ApplyTransfer(ctx context.Context, debit, credit storage.Mutation) (storage.MutationResult, storage.MutationResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.MutationResult{}, storage.MutationResult{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MutationResult{}, storage.MutationResult{}, fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.MutationResult{}, storage.MutationResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	debitResult, err := s.applyMutationTx(ctx, tx, debit)
	if err != nil {
		if isConstraintError(err) {
			_ = tx.Rollback()
			return s.replayedTransfer(ctx, debit, credit)
		}
		return storage.MutationResult{}, storage.MutationResult{}, err
	}

	creditResult, err := s.applyMutationTx(ctx, tx, credit)
	if err != nil {
		if isConstraintError(err) {
			_ = tx.Rollback()
			return s.replayedTransfer(ctx, debit, credit)
		}
		return storage.MutationResult{}, storage.MutationResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return storage.MutationResult{}, storage.MutationResult{}, fmt.Errorf("commit: %w", err)
	}
	return debitResult, creditResult, nil
}

// applyMutationTx runs the guarded update and appends the audit row inside tx.
func (s *Store) applyMutationTx(ctx context.Context, tx *sql.Tx, mut storage.Mutation) (storage.MutationResult, error) {
	now := s.now()

	var balanceAfter, version int64
	err := tx.QueryRowContext(ctx, guardedDeltaQuery,
		mut.Delta,
		toMillis(now),
		mut.AccountID,
		mut.Delta,
		mut.Delta,
		s.maxBalance,
	).Scan(&balanceAfter, &version)
	if err == sql.ErrNoRows {
		return storage.MutationResult{}, s.classifyRejectedDelta(ctx, tx, mut)
	}
	if err != nil {
		return storage.MutationResult{}, fmt.Errorf("apply delta: %w", err)
	}

	recordID, err := id.NewID()
	if err != nil {
		return storage.MutationResult{}, fmt.Errorf("generate record id: %w", err)
	}
	record := domain.TransactionRecord{
		ID:            recordID,
		AccountID:     mut.AccountID,
		Delta:         mut.Delta,
		BalanceBefore: balanceAfter - mut.Delta,
		BalanceAfter:  balanceAfter,
		Reason:        mut.Reason,
		CorrelationID: mut.CorrelationID,
		Metadata:      mut.Metadata,
		CreatedAt:     now,
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO transaction_records (id, account_id, delta, balance_before, balance_after, reason, correlation_id, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.AccountID,
		record.Delta,
		record.BalanceBefore,
		record.BalanceAfter,
		string(record.Reason),
		record.CorrelationID,
		record.Metadata,
		toMillis(record.CreatedAt),
	); err != nil {
		return storage.MutationResult{}, fmt.Errorf("append transaction record: %w", err)
	}

	return storage.MutationResult{Record: record}, nil
}

// classifyRejectedDelta explains a guard rejection without leaving the tx.
func (s *Store) classifyRejectedDelta(ctx context.Context, tx *sql.Tx, mut storage.Mutation) error {
	var balance int64
	var archived int64
	err := tx.QueryRowContext(ctx, `SELECT balance, archived FROM accounts WHERE id = ?`, mut.AccountID).Scan(&balance, &archived)
	if err == sql.ErrNoRows {
		return domain.E(domain.CodeAccountNotFound, "account %s not found", mut.AccountID)
	}
	if err != nil {
		return fmt.Errorf("classify rejected delta: %w", err)
	}
	if archived != 0 {
		return domain.E(domain.CodeAccountArchived, "account %s is archived", mut.AccountID)
	}
	if mut.Delta < 0 {
		return domain.E(domain.CodeInsufficientFunds, "account %s balance %d cannot cover %d", mut.AccountID, balance, -mut.Delta)
	}
	return domain.E(domain.CodeOverflow, "account %s balance %d plus %d exceeds cap %d", mut.AccountID, balance, mut.Delta, s.maxBalance)
}

// replayedMutation resolves a correlation replay to the stored record.
func (s *Store) replayedMutation(ctx context.Context, mut storage.Mutation) (storage.MutationResult, error) {
	record, err := s.recordByAccountCorrelation(ctx, mut.AccountID, mut.CorrelationID)
	if err != nil {
		return storage.MutationResult{}, fmt.Errorf("resolve replayed mutation: %w", err)
	}
	return storage.MutationResult{Record: record, Replayed: true}, nil
}

func (s *Store) replayedTransfer(ctx context.Context, debit, credit storage.Mutation) (storage.MutationResult, storage.MutationResult, error) {
	debitRecord, err := s.recordByAccountCorrelation(ctx, debit.AccountID, debit.CorrelationID)
	if err != nil {
		return storage.MutationResult{}, storage.MutationResult{}, fmt.Errorf("resolve replayed transfer debit: %w", err)
	}
	creditRecord, err := s.recordByAccountCorrelation(ctx, credit.AccountID, credit.CorrelationID)
	if err != nil {
		return storage.MutationResult{}, storage.MutationResult{}, fmt.Errorf("resolve replayed transfer credit: %w", err)
	}
	return storage.MutationResult{Record: debitRecord, Replayed: true},
		storage.MutationResult{Record: creditRecord, Replayed: true},
		nil
}

func (s *Store) recordByAccountCorrelation(ctx context.Context, accountID, correlationID string) (domain.TransactionRecord, error) {
	var (
		record    domain.TransactionRecord
		reason    string
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, account_id, delta, balance_before, balance_after, reason, correlation_id, metadata, created_at
FROM transaction_records
WHERE account_id = ? AND correlation_id = ?
`, accountID, correlationID).Scan(
		&record.ID,
		&record.AccountID,
		&record.Delta,
		&record.BalanceBefore,
		&record.BalanceAfter,
		&reason,
		&record.CorrelationID,
		&record.Metadata,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return domain.TransactionRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("load transaction record: %w", err)
	}
	record.Reason = domain.Reason(reason)
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}
