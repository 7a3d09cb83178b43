// Package registration admits accounts into capacity-bounded events.
//
// Admission is the canonical check-then-act sequence in the economy: count
// participants, debit the entry fee, record the participant. The whole
// sequence runs under a per-event lock so two admissions for the same event
// cannot interleave and oversell the last slot.
package registration

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kc92/desperado/internal/economy/domain"
	"github.com/kc92/desperado/internal/economy/ledger"
	"github.com/kc92/desperado/internal/economy/lock"
	"github.com/kc92/desperado/internal/economy/storage"
	"github.com/kc92/desperado/internal/platform/id"
)

const defaultAdmitLockTTL = 5 * time.Second

// Admission is the durable outcome of one successful admit.
type Admission struct {
	EventID   string
	AccountID string
	FeePaid   int64
	Replayed  bool
}

// Service admits participants and collects entry fees.
type Service struct {
	store   storage.RegistrationStore
	ledger  *ledger.Service
	locks   *lock.Manager
	lockTTL time.Duration
}

// NewService wires a registration service.
func NewService(store storage.RegistrationStore, ledgerSvc *ledger.Service, locks *lock.Manager) *Service {
	return &Service{
		store:   store,
		ledger:  ledgerSvc,
		locks:   locks,
		lockTTL: defaultAdmitLockTTL,
	}
}

// CreateEvent registers a new event backed by a pool account for fees.
func (s *Service) CreateEvent(ctx context.Context, capacity int, entryFee int64, poolAccountID string) (storage.EventRow, error) {
	if capacity <= 0 {
		return storage.EventRow{}, domain.E(domain.CodeInvalidAmount, "event capacity must be positive, got %d", capacity)
	}
	if entryFee < 0 {
		return storage.EventRow{}, domain.E(domain.CodeInvalidAmount, "event entry fee cannot be negative, got %d", entryFee)
	}
	if entryFee > 0 {
		if _, err := s.ledger.GetAccount(ctx, poolAccountID); err != nil {
			return storage.EventRow{}, err
		}
	}

	eventID, err := id.NewID()
	if err != nil {
		return storage.EventRow{}, fmt.Errorf("new event id: %w", err)
	}
	event := storage.EventRow{
		ID:            eventID,
		Capacity:      capacity,
		EntryFee:      entryFee,
		PoolAccountID: poolAccountID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.CreateEvent(ctx, event); err != nil {
		return storage.EventRow{}, err
	}
	log.Printf("event created event_id=%s capacity=%d entry_fee=%d", event.ID, capacity, entryFee)
	return event, nil
}

// GetEvent loads one event.
func (s *Service) GetEvent(ctx context.Context, eventID string) (storage.EventRow, error) {
	return s.store.GetEvent(ctx, eventID)
}

// Participants lists an event's admitted accounts in admission order.
func (s *Service) Participants(ctx context.Context, eventID string) ([]storage.ParticipantRow, error) {
	return s.store.ListParticipants(ctx, eventID)
}

// Admit registers accountID into eventID, collecting the entry fee.
//
// The capacity check and fee transfer run under the event's admission lock.
// A full event fails with the capacity-exceeded code; that is a business
// outcome, not a retryable fault. Retrying a successful admission replays it:
// the fee correlation id is derived from (event, account), so the transfer is
// absorbed and the participant insert is a no-op.
func (s *Service) Admit(ctx context.Context, eventID, accountID string) (Admission, error) {
	event, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return Admission{}, err
	}
	if _, err := s.ledger.GetAccount(ctx, accountID); err != nil {
		return Admission{}, err
	}

	lease, err := s.locks.Acquire(ctx, admitLockKey(eventID), s.lockTTL)
	if err != nil {
		return Admission{}, err
	}
	defer func() {
		if releaseErr := s.locks.Release(context.WithoutCancel(ctx), lease); releaseErr != nil {
			log.Printf("admit lock release failed event_id=%s error=%v", eventID, releaseErr)
		}
	}()

	count, err := s.store.CountParticipants(ctx, eventID)
	if err != nil {
		return Admission{}, err
	}
	if count >= event.Capacity {
		// A retry of an admission that already succeeded replays instead of
		// bouncing off the now-full event.
		admitted, err := s.isParticipant(ctx, eventID, accountID)
		if err != nil {
			return Admission{}, err
		}
		if admitted {
			return Admission{EventID: eventID, AccountID: accountID, FeePaid: event.EntryFee, Replayed: true}, nil
		}
		return Admission{}, domain.E(domain.CodeCapacityExceeded, "event %s is full (%d/%d)", eventID, count, event.Capacity)
	}

	replayed := false
	if event.EntryFee > 0 {
		transfer, err := s.ledger.TransferFunds(ctx, ledger.Transfer{
			FromID:        accountID,
			ToID:          event.PoolAccountID,
			Amount:        event.EntryFee,
			Reason:        domain.ReasonTournamentEntry,
			CorrelationID: admitCorrelation(eventID, accountID),
		})
		if err != nil {
			return Admission{}, err
		}
		replayed = transfer.Replayed
	}

	added, err := s.store.AddParticipant(ctx, storage.ParticipantRow{
		EventID:   eventID,
		AccountID: accountID,
	})
	if err != nil {
		return Admission{}, err
	}
	if !added {
		replayed = true
	}

	log.Printf("event admit event_id=%s account_id=%s fee=%d replayed=%t admitted=%d/%d",
		eventID, accountID, event.EntryFee, replayed, count+1, event.Capacity)
	return Admission{
		EventID:   eventID,
		AccountID: accountID,
		FeePaid:   event.EntryFee,
		Replayed:  replayed,
	}, nil
}

func (s *Service) isParticipant(ctx context.Context, eventID, accountID string) (bool, error) {
	participants, err := s.store.ListParticipants(ctx, eventID)
	if err != nil {
		return false, err
	}
	for _, participant := range participants {
		if participant.AccountID == accountID {
			return true, nil
		}
	}
	return false, nil
}

func admitLockKey(eventID string) string {
	return "event:" + eventID + ":capacity"
}

func admitCorrelation(eventID, accountID string) string {
	return "admit:" + eventID + ":" + accountID
}
