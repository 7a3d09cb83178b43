package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kc92/desperado/internal/economy/domain"
	"github.com/kc92/desperado/internal/economy/storage"
	"github.com/kc92/desperado/internal/platform/id"
)

// CreateAccount creates a zero-balance account for an owning entity.
func (s *Store) CreateAccount(ctx context.Context, ownerID string, kind domain.AccountKind) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Account{}, fmt.Errorf("storage is not configured")
	}
	if err := domain.ValidateNewAccount(ownerID, kind); err != nil {
		return domain.Account{}, err
	}

	accountID, err := id.NewID()
	if err != nil {
		return domain.Account{}, fmt.Errorf("generate account id: %w", err)
	}
	now := s.now()

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO accounts (id, owner_id, kind, balance, version, archived, created_at, updated_at)
VALUES (?, ?, ?, 0, 0, 0, ?, ?)
`, accountID, ownerID, string(kind), toMillis(now), toMillis(now)); err != nil {
		return domain.Account{}, fmt.Errorf("create account: %w", err)
	}

	return domain.Account{
		ID:        accountID,
		OwnerID:   ownerID,
		Kind:      kind,
		Balance:   0,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetAccount loads one account by id.
func (s *Store) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Account{}, fmt.Errorf("storage is not configured")
	}

	var (
		account   domain.Account
		kind      string
		archived  int64
		createdAt int64
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, owner_id, kind, balance, version, archived, created_at, updated_at
FROM accounts
WHERE id = ?
`, accountID).Scan(
		&account.ID,
		&account.OwnerID,
		&kind,
		&account.Balance,
		&account.Version,
		&archived,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.Account{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account: %w", err)
	}

	account.Kind = domain.AccountKind(kind)
	account.Archived = archived != 0
	account.CreatedAt = fromMillis(createdAt)
	account.UpdatedAt = fromMillis(updatedAt)
	return account, nil
}

// ArchiveAccount zeroes and flags an account instead of deleting it.
//
// Zeroing and flagging happen in one transaction, so a concurrent credit can
// land before or after the archival but never between the zeroing delta and
// the flag. The archival delta is audited like any other mutation so replaying
// the account's history still reproduces the final zero balance.
func (s *Store) ArchiveAccount(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var balance, archived int64
	err = tx.QueryRowContext(ctx, `SELECT balance, archived FROM accounts WHERE id = ?`, accountID).Scan(&balance, &archived)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load account for archival: %w", err)
	}
	if archived != 0 {
		return nil
	}

	if balance > 0 {
		correlationID, err := id.NewID()
		if err != nil {
			return fmt.Errorf("generate archival correlation id: %w", err)
		}
		if _, err := s.applyMutationTx(ctx, tx, storage.Mutation{
			AccountID:     accountID,
			Delta:         -balance,
			Reason:        domain.ReasonAdjustment,
			CorrelationID: correlationID,
			Metadata:      `{"op":"archive"}`,
		}); err != nil {
			return fmt.Errorf("zero archived account: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
UPDATE accounts SET archived = 1, version = version + 1, updated_at = ? WHERE id = ? AND balance = 0
`, toMillis(s.now()), accountID)
	if err != nil {
		return fmt.Errorf("archive account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("archive account rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("account %s balance moved during archival", accountID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
