// Package domain defines the economy core's entities and error taxonomy.
package domain

import (
	"strings"
	"time"
)

// AccountKind identifies which owning entity an account belongs to.
type AccountKind string

const (
	AccountKindCharacter AccountKind = "character"
	AccountKindGang      AccountKind = "gang"
	AccountKindEscrow    AccountKind = "escrow"
)

// Valid reports whether the kind is a member of the closed enumeration.
func (k AccountKind) Valid() bool {
	switch k {
	case AccountKindCharacter, AccountKindGang, AccountKindEscrow:
		return true
	}
	return false
}

// Account is a single-currency balance owned by a character, gang, or escrow pool.
//
// Balance stays within [0, the configured cap] at all times; Version increments
// on every mutation so writers can detect lost updates.
type Account struct {
	ID        string
	OwnerID   string
	Kind      AccountKind
	Balance   int64
	Version   int64
	Archived  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateNewAccount checks creation inputs before any storage write.
func ValidateNewAccount(ownerID string, kind AccountKind) error {
	if strings.TrimSpace(ownerID) == "" {
		return E(CodeAccountOwnerEmpty, "account owner is required")
	}
	if !kind.Valid() {
		return E(CodeAccountInvalidKind, "invalid account kind %q", kind)
	}
	return nil
}
