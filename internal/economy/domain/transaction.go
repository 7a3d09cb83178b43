package domain

import "time"

// Reason tags every balance mutation with its business cause.
//
// The set is closed on purpose: free-text reasons make reconciliation and
// fraud reporting impossible to aggregate.
type Reason string

const (
	ReasonWager           Reason = "wager"
	ReasonPayout          Reason = "payout"
	ReasonCombatReward    Reason = "combat_reward"
	ReasonTournamentEntry Reason = "tournament_entry"
	ReasonTournamentPrize Reason = "tournament_prize"
	ReasonGangDeposit     Reason = "gang_deposit"
	ReasonGangWithdrawal  Reason = "gang_withdrawal"
	ReasonMailAttachment  Reason = "mail_attachment"
	ReasonEscrowCollect   Reason = "escrow_collect"
	ReasonEscrowRefund    Reason = "escrow_refund"
	ReasonCompensation    Reason = "compensation"
	ReasonGrant           Reason = "grant"
	ReasonAdjustment      Reason = "adjustment"
)

// Valid reports whether the reason belongs to the closed enumeration.
func (r Reason) Valid() bool {
	switch r {
	case ReasonWager, ReasonPayout, ReasonCombatReward, ReasonTournamentEntry,
		ReasonTournamentPrize, ReasonGangDeposit, ReasonGangWithdrawal,
		ReasonMailAttachment, ReasonEscrowCollect, ReasonEscrowRefund,
		ReasonCompensation, ReasonGrant, ReasonAdjustment:
		return true
	}
	return false
}

// TransactionRecord is the immutable audit evidence of one balance mutation.
//
// Records are append-only: they are never updated or deleted, and replaying
// all records for an account reproduces its current balance.
type TransactionRecord struct {
	ID            string
	AccountID     string
	Delta         int64
	BalanceBefore int64
	BalanceAfter  int64
	Reason        Reason
	CorrelationID string
	Metadata      string
	CreatedAt     time.Time
}
