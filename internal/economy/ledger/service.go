// Package ledger is the only component allowed to mutate account balances.
package ledger

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/kc92/desperado/internal/economy/domain"
	"github.com/kc92/desperado/internal/economy/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "economy/ledger"

// Mutation is a caller-facing request to change one account's balance.
//
// Amount is always positive; Credit and Debit decide the sign. The
// correlation id is the caller's retry handle: replaying it returns the
// recorded outcome instead of a second balance change.
type Mutation struct {
	AccountID     string
	Amount        int64
	Reason        domain.Reason
	CorrelationID string
	Metadata      string
}

// Transfer moves value between two distinct accounts atomically.
type Transfer struct {
	FromID        string
	ToID          string
	Amount        int64
	Reason        domain.Reason
	CorrelationID string
	Metadata      string
}

// Result is the durable outcome of one mutation.
type Result struct {
	Record   domain.TransactionRecord
	Replayed bool
}

// TransferResult pairs the two legs of an atomic transfer.
type TransferResult struct {
	Debit    Result
	Credit   Result
	Replayed bool
}

// Service validates mutation requests and applies them through the guarded
// storage layer. It holds no locks: single-account correctness comes entirely
// from the storage guard, so operations on different accounts never contend.
type Service struct {
	accounts storage.AccountStore
	ledger   storage.LedgerStore
	audit    storage.AuditStore
	tracer   trace.Tracer
}

// NewService wires a ledger service over its storage contracts.
func NewService(accounts storage.AccountStore, ledgerStore storage.LedgerStore, audit storage.AuditStore) *Service {
	return &Service{
		accounts: accounts,
		ledger:   ledgerStore,
		audit:    audit,
		tracer:   otel.Tracer(tracerName),
	}
}

// CreateAccount creates a zero-balance account for an owning entity.
func (s *Service) CreateAccount(ctx context.Context, ownerID string, kind domain.AccountKind) (domain.Account, error) {
	return s.accounts.CreateAccount(ctx, ownerID, kind)
}

// GetAccount loads one account.
func (s *Service) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	return s.accounts.GetAccount(ctx, accountID)
}

// ArchiveAccount zeroes and retires an account.
func (s *Service) ArchiveAccount(ctx context.Context, accountID string) error {
	return s.accounts.ArchiveAccount(ctx, accountID)
}

// Credit adds amount to an account, failing with an overflow code when the
// result would exceed the configured cap.
func (s *Service) Credit(ctx context.Context, m Mutation) (Result, error) {
	ctx, span := s.startSpan(ctx, "ledger.credit", m.AccountID, m.Amount, m.Reason, m.CorrelationID)
	defer span.End()

	if err := validateMutation(m); err != nil {
		return Result{}, err
	}
	outcome, err := s.ledger.ApplyDelta(ctx, storage.Mutation{
		AccountID:     m.AccountID,
		Delta:         m.Amount,
		Reason:        m.Reason,
		CorrelationID: m.CorrelationID,
		Metadata:      m.Metadata,
	})
	if err != nil {
		return Result{}, err
	}
	logMutation(outcome)
	return Result{Record: outcome.Record, Replayed: outcome.Replayed}, nil
}

// Debit removes amount from an account, failing with an insufficient-funds
// code when the balance cannot cover it.
func (s *Service) Debit(ctx context.Context, m Mutation) (Result, error) {
	ctx, span := s.startSpan(ctx, "ledger.debit", m.AccountID, m.Amount, m.Reason, m.CorrelationID)
	defer span.End()

	if err := validateMutation(m); err != nil {
		return Result{}, err
	}
	outcome, err := s.ledger.ApplyDelta(ctx, storage.Mutation{
		AccountID:     m.AccountID,
		Delta:         -m.Amount,
		Reason:        m.Reason,
		CorrelationID: m.CorrelationID,
		Metadata:      m.Metadata,
	})
	if err != nil {
		return Result{}, err
	}
	logMutation(outcome)
	return Result{Record: outcome.Record, Replayed: outcome.Replayed}, nil
}

// TransferFunds debits the source and credits the destination as one atomic
// unit: either both legs commit or neither does.
func (s *Service) TransferFunds(ctx context.Context, t Transfer) (TransferResult, error) {
	ctx, span := s.startSpan(ctx, "ledger.transfer", t.FromID, t.Amount, t.Reason, t.CorrelationID)
	defer span.End()

	if err := validateMutation(Mutation{
		AccountID:     t.FromID,
		Amount:        t.Amount,
		Reason:        t.Reason,
		CorrelationID: t.CorrelationID,
	}); err != nil {
		return TransferResult{}, err
	}
	if strings.TrimSpace(t.ToID) == "" {
		return TransferResult{}, domain.E(domain.CodeAccountNotFound, "transfer destination is required")
	}
	if t.FromID == t.ToID {
		return TransferResult{}, domain.E(domain.CodeSameAccountTransfer, "transfer from %s to itself", t.FromID)
	}

	debit, credit, err := s.ledger.ApplyTransfer(ctx,
		storage.Mutation{
			AccountID:     t.FromID,
			Delta:         -t.Amount,
			Reason:        t.Reason,
			CorrelationID: t.CorrelationID,
			Metadata:      t.Metadata,
		},
		storage.Mutation{
			AccountID:     t.ToID,
			Delta:         t.Amount,
			Reason:        t.Reason,
			CorrelationID: t.CorrelationID,
			Metadata:      t.Metadata,
		},
	)
	if err != nil {
		return TransferResult{}, err
	}
	logMutation(debit)
	logMutation(credit)
	return TransferResult{
		Debit:    Result{Record: debit.Record, Replayed: debit.Replayed},
		Credit:   Result{Record: credit.Record, Replayed: credit.Replayed},
		Replayed: debit.Replayed && credit.Replayed,
	}, nil
}

// History returns an account's audit records inside [from, to], oldest first.
func (s *Service) History(ctx context.Context, accountID string, from, to time.Time) ([]domain.TransactionRecord, error) {
	return s.audit.QueryByAccount(ctx, accountID, from, to)
}

// Trace returns every record sharing a correlation id.
func (s *Service) Trace(ctx context.Context, correlationID string) ([]domain.TransactionRecord, error) {
	return s.audit.QueryByCorrelation(ctx, correlationID)
}

// ReconcileReport compares the stored balance with the audit-replayed one.
type ReconcileReport struct {
	AccountID       string
	StoredBalance   int64
	ReplayedBalance int64
}

// Diverged reports whether the two balances disagree.
func (r ReconcileReport) Diverged() bool {
	return r.StoredBalance != r.ReplayedBalance
}

// Reconcile replays an account's audit history and compares it against the
// stored balance.
//
// The audit log is authoritative: a divergence is surfaced loudly with both
// values and is never auto-healed, leaving the correction to an operator with
// the full history in hand.
func (s *Service) Reconcile(ctx context.Context, accountID string) (ReconcileReport, error) {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return ReconcileReport{}, err
	}
	replayed, err := s.audit.ReplayBalance(ctx, accountID)
	if err != nil {
		return ReconcileReport{}, err
	}

	report := ReconcileReport{
		AccountID:       accountID,
		StoredBalance:   account.Balance,
		ReplayedBalance: replayed,
	}
	if report.Diverged() {
		log.Printf("ledger reconcile divergence account_id=%s stored=%d replayed=%d", accountID, account.Balance, replayed)
		return report, domain.E(domain.CodeAuditDivergence, "account %s stored balance %d diverges from replayed %d", accountID, account.Balance, replayed)
	}
	return report, nil
}

func validateMutation(m Mutation) error {
	if strings.TrimSpace(m.AccountID) == "" {
		return domain.E(domain.CodeAccountNotFound, "account id is required")
	}
	if m.Amount <= 0 {
		return domain.E(domain.CodeInvalidAmount, "amount must be positive, got %d", m.Amount)
	}
	if !m.Reason.Valid() {
		return domain.E(domain.CodeInvalidReason, "invalid mutation reason %q", m.Reason)
	}
	if strings.TrimSpace(m.CorrelationID) == "" {
		return domain.E(domain.CodeCorrelationRequired, "correlation id is required")
	}
	return nil
}

func (s *Service) startSpan(ctx context.Context, name, accountID string, amount int64, reason domain.Reason, correlationID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("economy.account_id", accountID),
		attribute.Int64("economy.amount", amount),
		attribute.String("economy.reason", string(reason)),
		attribute.String("economy.correlation_id", correlationID),
	))
}

// logMutation emits the structured observability record for one applied
// mutation: account, delta, reason, correlation, and both balances.
func logMutation(outcome storage.MutationResult) {
	record := outcome.Record
	log.Printf(
		"ledger mutation account_id=%s delta=%d reason=%s correlation_id=%s balance_before=%d balance_after=%d replayed=%t",
		record.AccountID,
		record.Delta,
		record.Reason,
		record.CorrelationID,
		record.BalanceBefore,
		record.BalanceAfter,
		outcome.Replayed,
	)
}
