package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/kc92/desperado/internal/economy/storage"
	"github.com/kc92/desperado/internal/platform/id"
)

func TestCreateAndGetEvent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	event := storage.EventRow{
		ID:            id.MustNewID(),
		Capacity:      16,
		EntryFee:      25,
		PoolAccountID: "pool-1",
	}
	if err := store.CreateEvent(ctx, event); err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	loaded, err := store.GetEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if loaded.Capacity != 16 || loaded.EntryFee != 25 || loaded.PoolAccountID != "pool-1" {
		t.Fatalf("loaded = %+v, want capacity 16 fee 25 pool pool-1", loaded)
	}

	if err := store.CreateEvent(ctx, storage.EventRow{ID: id.MustNewID(), Capacity: 0}); err == nil {
		t.Fatal("zero capacity must be rejected")
	}

	_, err = store.GetEvent(ctx, "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetEvent(missing) error = %v, want ErrNotFound", err)
	}
}

func TestAddParticipantAbsorbsDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	eventID := id.MustNewID()
	if err := store.CreateEvent(ctx, storage.EventRow{ID: eventID, Capacity: 4}); err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	added, err := store.AddParticipant(ctx, storage.ParticipantRow{EventID: eventID, AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("AddParticipant() error = %v", err)
	}
	if !added {
		t.Fatal("first add must report added")
	}

	added, err = store.AddParticipant(ctx, storage.ParticipantRow{EventID: eventID, AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("duplicate AddParticipant() error = %v", err)
	}
	if added {
		t.Fatal("duplicate add must report not added")
	}

	count, err := store.CountParticipants(ctx, eventID)
	if err != nil {
		t.Fatalf("CountParticipants() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}

	participants, err := store.ListParticipants(ctx, eventID)
	if err != nil {
		t.Fatalf("ListParticipants() error = %v", err)
	}
	if len(participants) != 1 || participants[0].AccountID != "acct-1" {
		t.Fatalf("participants = %+v, want only acct-1", participants)
	}
}
