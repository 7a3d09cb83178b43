package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kc92/desperado/internal/economy/domain"
	"github.com/kc92/desperado/internal/economy/ledger"
)

// Built-in step names backed by the ledger service.
const (
	StepLedgerCredit   = "ledger.credit"
	StepLedgerDebit    = "ledger.debit"
	StepLedgerTransfer = "ledger.transfer"
)

// Step parameter keys understood by the ledger handlers.
const (
	ParamAccountID = "account_id"
	ParamFromID    = "from_id"
	ParamToID      = "to_id"
	ParamAmount    = "amount"
	ParamReason    = "reason"
	ParamMetadata  = "metadata"
)

// RegisterLedgerHandlers binds the built-in ledger step kinds on c.
func RegisterLedgerHandlers(c *Coordinator, svc *ledger.Service) {
	c.Register(StepLedgerCredit, creditHandler{svc: svc})
	c.Register(StepLedgerDebit, debitHandler{svc: svc})
	c.Register(StepLedgerTransfer, transferHandler{svc: svc})
}

// stepCorrelation derives the ledger correlation id for one step execution.
// The derivation is deterministic so a resumed step replays its recorded
// mutation; the compensation direction gets a distinct id.
func stepCorrelation(req StepRequest, compensating bool) string {
	suffix := ""
	if compensating {
		suffix = ":comp"
	}
	return fmt.Sprintf("wf:%s:%d%s", req.WorkflowID, req.Position, suffix)
}

func stepParam(req StepRequest, key string) (string, error) {
	value := strings.TrimSpace(req.Params[key])
	if value == "" {
		return "", domain.Permanent(domain.E(domain.CodeWorkflowInvalidSteps, "step %d missing param %q", req.Position, key))
	}
	return value, nil
}

func stepAmount(req StepRequest) (int64, error) {
	raw, err := stepParam(req, ParamAmount)
	if err != nil {
		return 0, err
	}
	amount, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil || amount <= 0 {
		return 0, domain.Permanent(domain.E(domain.CodeInvalidAmount, "step %d amount %q must be a positive integer", req.Position, raw))
	}
	return amount, nil
}

func stepReason(req StepRequest) (domain.Reason, error) {
	raw, err := stepParam(req, ParamReason)
	if err != nil {
		return "", err
	}
	reason := domain.Reason(raw)
	if !reason.Valid() {
		return "", domain.Permanent(domain.E(domain.CodeInvalidReason, "step %d has invalid reason %q", req.Position, raw))
	}
	return reason, nil
}

type creditHandler struct {
	svc *ledger.Service
}

func (h creditHandler) Execute(ctx context.Context, req StepRequest) (string, error) {
	accountID, err := stepParam(req, ParamAccountID)
	if err != nil {
		return "", err
	}
	amount, err := stepAmount(req)
	if err != nil {
		return "", err
	}
	reason, err := stepReason(req)
	if err != nil {
		return "", err
	}
	result, err := h.svc.Credit(ctx, ledger.Mutation{
		AccountID:     accountID,
		Amount:        amount,
		Reason:        reason,
		CorrelationID: stepCorrelation(req, false),
		Metadata:      req.Params[ParamMetadata],
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(result.Record.BalanceAfter, 10), nil
}

// Compensate takes a granted credit back out of the account.
func (h creditHandler) Compensate(ctx context.Context, req StepRequest) error {
	accountID, err := stepParam(req, ParamAccountID)
	if err != nil {
		return err
	}
	amount, err := stepAmount(req)
	if err != nil {
		return err
	}
	_, err = h.svc.Debit(ctx, ledger.Mutation{
		AccountID:     accountID,
		Amount:        amount,
		Reason:        domain.ReasonCompensation,
		CorrelationID: stepCorrelation(req, true),
	})
	return err
}

type debitHandler struct {
	svc *ledger.Service
}

func (h debitHandler) Execute(ctx context.Context, req StepRequest) (string, error) {
	accountID, err := stepParam(req, ParamAccountID)
	if err != nil {
		return "", err
	}
	amount, err := stepAmount(req)
	if err != nil {
		return "", err
	}
	reason, err := stepReason(req)
	if err != nil {
		return "", err
	}
	result, err := h.svc.Debit(ctx, ledger.Mutation{
		AccountID:     accountID,
		Amount:        amount,
		Reason:        reason,
		CorrelationID: stepCorrelation(req, false),
		Metadata:      req.Params[ParamMetadata],
	})
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(result.Record.BalanceAfter, 10), nil
}

// Compensate refunds a collected debit.
func (h debitHandler) Compensate(ctx context.Context, req StepRequest) error {
	accountID, err := stepParam(req, ParamAccountID)
	if err != nil {
		return err
	}
	amount, err := stepAmount(req)
	if err != nil {
		return err
	}
	_, err = h.svc.Credit(ctx, ledger.Mutation{
		AccountID:     accountID,
		Amount:        amount,
		Reason:        domain.ReasonCompensation,
		CorrelationID: stepCorrelation(req, true),
	})
	return err
}

type transferHandler struct {
	svc *ledger.Service
}

func (h transferHandler) transfer(req StepRequest) (ledger.Transfer, error) {
	fromID, err := stepParam(req, ParamFromID)
	if err != nil {
		return ledger.Transfer{}, err
	}
	toID, err := stepParam(req, ParamToID)
	if err != nil {
		return ledger.Transfer{}, err
	}
	amount, err := stepAmount(req)
	if err != nil {
		return ledger.Transfer{}, err
	}
	reason, err := stepReason(req)
	if err != nil {
		return ledger.Transfer{}, err
	}
	return ledger.Transfer{
		FromID:   fromID,
		ToID:     toID,
		Amount:   amount,
		Reason:   reason,
		Metadata: req.Params[ParamMetadata],
	}, nil
}

func (h transferHandler) Execute(ctx context.Context, req StepRequest) (string, error) {
	transfer, err := h.transfer(req)
	if err != nil {
		return "", err
	}
	transfer.CorrelationID = stepCorrelation(req, false)
	result, err := h.svc.TransferFunds(ctx, transfer)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(result.Credit.Record.BalanceAfter, 10), nil
}

// Compensate reverses the transfer leg for leg.
func (h transferHandler) Compensate(ctx context.Context, req StepRequest) error {
	transfer, err := h.transfer(req)
	if err != nil {
		return err
	}
	_, err = h.svc.TransferFunds(ctx, ledger.Transfer{
		FromID:        transfer.ToID,
		ToID:          transfer.FromID,
		Amount:        transfer.Amount,
		Reason:        domain.ReasonCompensation,
		CorrelationID: stepCorrelation(req, true),
	})
	return err
}
