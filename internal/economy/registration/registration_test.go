package registration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kc92/desperado/internal/economy/domain"
	"github.com/kc92/desperado/internal/economy/ledger"
	"github.com/kc92/desperado/internal/economy/lock"
	"github.com/kc92/desperado/internal/economy/storage/sqlite"
	"golang.org/x/sync/errgroup"
)

type testEnv struct {
	service *Service
	ledger  *ledger.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	ledgerSvc := ledger.NewService(store, store, store)
	locks := lock.NewManager(store,
		lock.WithMaxTries(50),
		lock.WithRetryInterval(time.Millisecond, 5*time.Millisecond),
	)
	return &testEnv{
		service: NewService(store, ledgerSvc, locks),
		ledger:  ledgerSvc,
	}
}

func (e *testEnv) account(t *testing.T, kind domain.AccountKind, balance int64) domain.Account {
	t.Helper()
	account, err := e.ledger.CreateAccount(context.Background(), "owner", kind)
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if balance > 0 {
		if _, err := e.ledger.Credit(context.Background(), ledger.Mutation{
			AccountID:     account.ID,
			Amount:        balance,
			Reason:        domain.ReasonGrant,
			CorrelationID: "seed-" + account.ID,
		}); err != nil {
			t.Fatalf("seed credit error = %v", err)
		}
	}
	return account
}

func (e *testEnv) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	account, err := e.ledger.GetAccount(context.Background(), accountID)
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	return account.Balance
}

func TestCreateEventValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.service.CreateEvent(ctx, 0, 10, "pool"); !domain.IsCode(err, domain.CodeInvalidAmount) {
		t.Fatalf("zero capacity error = %v, want %s", err, domain.CodeInvalidAmount)
	}
	if _, err := env.service.CreateEvent(ctx, 4, -1, "pool"); !domain.IsCode(err, domain.CodeInvalidAmount) {
		t.Fatalf("negative fee error = %v, want %s", err, domain.CodeInvalidAmount)
	}

	// A fee-charging event needs a real pool account.
	if _, err := env.service.CreateEvent(ctx, 4, 10, "missing-pool"); err == nil {
		t.Fatal("missing pool account must be rejected")
	}
}

func TestAdmitCollectsFeeAndRecordsParticipant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pool := env.account(t, domain.AccountKindEscrow, 0)
	player := env.account(t, domain.AccountKindCharacter, 100)

	event, err := env.service.CreateEvent(ctx, 8, 25, pool.ID)
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	admission, err := env.service.Admit(ctx, event.ID, player.ID)
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if admission.Replayed || admission.FeePaid != 25 {
		t.Fatalf("admission = %+v, want fresh admission with fee 25", admission)
	}
	if env.balance(t, player.ID) != 75 || env.balance(t, pool.ID) != 25 {
		t.Fatalf("balances = %d / %d, want 75 / 25", env.balance(t, player.ID), env.balance(t, pool.ID))
	}

	participants, err := env.service.Participants(ctx, event.ID)
	if err != nil {
		t.Fatalf("Participants() error = %v", err)
	}
	if len(participants) != 1 || participants[0].AccountID != player.ID {
		t.Fatalf("participants = %+v, want only the player", participants)
	}
}

func TestAdmitRetryReplaysWithoutDoubleCharge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pool := env.account(t, domain.AccountKindEscrow, 0)
	player := env.account(t, domain.AccountKindCharacter, 100)

	event, err := env.service.CreateEvent(ctx, 8, 25, pool.ID)
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	if _, err := env.service.Admit(ctx, event.ID, player.ID); err != nil {
		t.Fatalf("first Admit() error = %v", err)
	}
	retry, err := env.service.Admit(ctx, event.ID, player.ID)
	if err != nil {
		t.Fatalf("retried Admit() error = %v", err)
	}
	if !retry.Replayed {
		t.Fatal("retried admission must report Replayed")
	}
	if env.balance(t, player.ID) != 75 {
		t.Fatalf("player balance = %d, want 75 after a single fee", env.balance(t, player.ID))
	}
}

func TestAdmitInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pool := env.account(t, domain.AccountKindEscrow, 0)
	player := env.account(t, domain.AccountKindCharacter, 10)

	event, err := env.service.CreateEvent(ctx, 8, 25, pool.ID)
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	_, err = env.service.Admit(ctx, event.ID, player.ID)
	if !domain.IsCode(err, domain.CodeInsufficientFunds) {
		t.Fatalf("Admit() error = %v, want %s", err, domain.CodeInsufficientFunds)
	}

	// A failed admission leaves no participant behind.
	participants, err := env.service.Participants(ctx, event.ID)
	if err != nil {
		t.Fatalf("Participants() error = %v", err)
	}
	if len(participants) != 0 {
		t.Fatalf("participants = %d, want 0", len(participants))
	}
}

func TestAdmitCapacityExceeded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pool := env.account(t, domain.AccountKindEscrow, 0)

	event, err := env.service.CreateEvent(ctx, 2, 10, pool.ID)
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	var admitted []domain.Account
	for i := 0; i < 2; i++ {
		player := env.account(t, domain.AccountKindCharacter, 50)
		if _, err := env.service.Admit(ctx, event.ID, player.ID); err != nil {
			t.Fatalf("Admit(%d) error = %v", i, err)
		}
		admitted = append(admitted, player)
	}

	late := env.account(t, domain.AccountKindCharacter, 50)
	_, err = env.service.Admit(ctx, event.ID, late.ID)
	if !domain.IsCode(err, domain.CodeCapacityExceeded) {
		t.Fatalf("late Admit() error = %v, want %s", err, domain.CodeCapacityExceeded)
	}
	if env.balance(t, late.ID) != 50 {
		t.Fatalf("late player balance = %d, want 50 untouched", env.balance(t, late.ID))
	}

	// A retry from someone already admitted still replays even though the
	// event is full.
	retry, err := env.service.Admit(ctx, event.ID, admitted[0].ID)
	if err != nil {
		t.Fatalf("retry on full event error = %v", err)
	}
	if !retry.Replayed {
		t.Fatal("retry on full event must replay the admission")
	}
}

func TestConcurrentAdmitsNeverOversell(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pool := env.account(t, domain.AccountKindEscrow, 0)

	const capacity = 3
	const contenders = 10
	event, err := env.service.CreateEvent(ctx, capacity, 10, pool.ID)
	if err != nil {
		t.Fatalf("CreateEvent() error = %v", err)
	}

	players := make([]domain.Account, contenders)
	for i := range players {
		players[i] = env.account(t, domain.AccountKindCharacter, 50)
	}

	results := make(chan error, contenders)
	var group errgroup.Group
	for i := 0; i < contenders; i++ {
		player := players[i]
		group.Go(func() error {
			_, err := env.service.Admit(ctx, event.ID, player.ID)
			results <- err
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("group error = %v", err)
	}
	close(results)

	var admitted, rejected int
	for err := range results {
		switch {
		case err == nil:
			admitted++
		case domain.IsCode(err, domain.CodeCapacityExceeded):
			rejected++
		default:
			t.Fatalf("unexpected Admit() error = %v", err)
		}
	}
	if admitted != capacity {
		t.Fatalf("admitted = %d, want exactly %d", admitted, capacity)
	}
	if rejected != contenders-capacity {
		t.Fatalf("rejected = %d, want %d", rejected, contenders-capacity)
	}

	// The pool holds exactly one fee per admitted player.
	if got, want := env.balance(t, pool.ID), int64(capacity*10); got != want {
		t.Fatalf("pool balance = %d, want %d", got, want)
	}

	participants, err := env.service.Participants(ctx, event.ID)
	if err != nil {
		t.Fatalf("Participants() error = %v", err)
	}
	if len(participants) != capacity {
		t.Fatalf("participants = %d, want %d", len(participants), capacity)
	}
}
