// Package storage defines the persistence contracts for the economy core.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kc92/desperado/internal/economy/domain"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Mutation is one requested balance change against a single account.
type Mutation struct {
	AccountID     string
	Delta         int64
	Reason        domain.Reason
	CorrelationID string
	Metadata      string
}

// MutationResult reports the durable outcome of a mutation.
//
// Replayed means the correlation id had already been applied to the account
// and the stored record was returned instead of applying a second change.
type MutationResult struct {
	Record   domain.TransactionRecord
	Replayed bool
}

// AccountStore manages account lifecycle records.
type AccountStore interface {
	CreateAccount(ctx context.Context, ownerID string, kind domain.AccountKind) (domain.Account, error)
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	ArchiveAccount(ctx context.Context, id string) error
}

// LedgerStore applies guarded balance mutations.
//
// Every mutation is a single guarded UPDATE plus its audit record in one
// transaction; a balance change without its audit row is never observable.
type LedgerStore interface {
	ApplyDelta(ctx context.Context, mut Mutation) (MutationResult, error)
	ApplyTransfer(ctx context.Context, debit, credit Mutation) (MutationResult, MutationResult, error)
}

// AuditStore reads the append-only transaction history.
type AuditStore interface {
	QueryByAccount(ctx context.Context, accountID string, from, to time.Time) ([]domain.TransactionRecord, error)
	QueryByCorrelation(ctx context.Context, correlationID string) ([]domain.TransactionRecord, error)
	ReplayBalance(ctx context.Context, accountID string) (int64, error)
}

// LockRow is the durable state of one named lock.
type LockRow struct {
	Key         string
	HolderToken string
	Fence       int64
	AcquiredAt  time.Time
	ExpiresAt   time.Time
}

// LockStore exposes the set-if-absent / delete-if-token-matches primitives
// consumed by the lock manager.
type LockStore interface {
	TryAcquireLock(ctx context.Context, key, token string, ttl time.Duration, now time.Time) (LockRow, bool, error)
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
	RefreshLock(ctx context.Context, key, token string, ttl time.Duration, now time.Time) (bool, error)
	GetLock(ctx context.Context, key string) (LockRow, error)
}

// IdempotencyStatus is the lifecycle of one guarded operation key.
type IdempotencyStatus string

const (
	IdempotencyRunning   IdempotencyStatus = "RUNNING"
	IdempotencyCompleted IdempotencyStatus = "COMPLETED"
	IdempotencyFailed    IdempotencyStatus = "FAILED"
)

// IdempotencyRow is the durable record of one guarded operation.
type IdempotencyRow struct {
	Key       string
	Status    IdempotencyStatus
	Result    string
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IdempotencyStore persists operation keys with the same durability as the
// ledger so retries arriving after a crash still find the prior result.
type IdempotencyStore interface {
	ClaimIdempotencyKey(ctx context.Context, key string, now time.Time, staleAfter time.Duration) (IdempotencyRow, bool, error)
	ResolveIdempotencyKey(ctx context.Context, key string, status IdempotencyStatus, result, lastError string) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
	GetIdempotencyKey(ctx context.Context, key string) (IdempotencyRow, error)
}

// WorkflowStore persists saga state and per-step progress.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, wf domain.Workflow) (domain.Workflow, bool, error)
	GetWorkflow(ctx context.Context, id string) (domain.Workflow, error)
	GetWorkflowByIdempotencyKey(ctx context.Context, key string) (domain.Workflow, error)
	AdvanceWorkflow(ctx context.Context, id string, cursor int, status domain.WorkflowStatus, lastError string) error
	FinishWorkflow(ctx context.Context, id string, status domain.WorkflowStatus, result string) error
	CancelWorkflow(ctx context.Context, id string) error
	MarkStepCompensated(ctx context.Context, id string, position int) error
	ListWorkflowsByStatus(ctx context.Context, statuses ...domain.WorkflowStatus) ([]domain.Workflow, error)
}

// EventRow is a registerable event with bounded capacity and an entry fee.
type EventRow struct {
	ID            string
	Capacity      int
	EntryFee      int64
	PoolAccountID string
	CreatedAt     time.Time
}

// ParticipantRow records one admitted event participant.
type ParticipantRow struct {
	EventID   string
	AccountID string
	CreatedAt time.Time
}

// RegistrationStore persists events and their admitted participants.
type RegistrationStore interface {
	CreateEvent(ctx context.Context, event EventRow) error
	GetEvent(ctx context.Context, id string) (EventRow, error)
	CountParticipants(ctx context.Context, eventID string) (int, error)
	AddParticipant(ctx context.Context, participant ParticipantRow) (bool, error)
	ListParticipants(ctx context.Context, eventID string) ([]ParticipantRow, error)
}
