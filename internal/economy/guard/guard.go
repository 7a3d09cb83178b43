// Package guard deduplicates externally retried operations by key.
//
// The guard records a key before running its operation and the outcome after,
// in the same store as the ledger, so a retry arriving after a crash still
// finds either a reclaimable claim or the recorded result.
package guard

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/kc92/desperado/internal/economy/domain"
	"github.com/kc92/desperado/internal/economy/storage"
)

// DefaultStaleAfter is how long a RUNNING claim blocks other callers before
// it is presumed crashed and eligible for takeover.
const DefaultStaleAfter = time.Minute

// Operation produces a serialized result to record under the guarded key.
type Operation func(ctx context.Context) (string, error)

// Outcome is the recorded result of a guarded operation.
type Outcome struct {
	Result   string
	Replayed bool
}

// Guard runs operations at most once per key.
type Guard struct {
	store      storage.IdempotencyStore
	staleAfter time.Duration
	clock      func() time.Time
}

// Option configures guard behavior.
type Option func(*Guard)

// WithStaleAfter overrides the crashed-claim takeover window.
func WithStaleAfter(staleAfter time.Duration) Option {
	return func(g *Guard) {
		if staleAfter > 0 {
			g.staleAfter = staleAfter
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// New wires a guard over the idempotency storage contract.
func New(store storage.IdempotencyStore, opts ...Option) *Guard {
	guard := &Guard{
		store:      store,
		staleAfter: DefaultStaleAfter,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(guard)
		}
	}
	return guard
}

// Do runs op under key at most once.
//
// A first caller claims the key, runs op, and records the outcome. Later
// callers get the recorded outcome back without running op: a COMPLETED key
// replays its result, a FAILED key replays its failure. Only settled business
// failures are recorded as FAILED; a transient or unclassified operation error
// releases the claim so a retry runs op again. A key whose claim is still
// RUNNING fails with a retryable in-flight code rather than running a
// concurrent duplicate; a RUNNING claim older than the stale window is
// treated as crashed and taken over.
func (g *Guard) Do(ctx context.Context, key string, op Operation) (Outcome, error) {
	if strings.TrimSpace(key) == "" {
		return Outcome{}, domain.E(domain.CodeIdempotencyKeyEmpty, "idempotency key is required")
	}

	row, claimed, err := g.store.ClaimIdempotencyKey(ctx, key, g.clock(), g.staleAfter)
	if err != nil {
		return Outcome{}, err
	}
	if !claimed {
		switch row.Status {
		case storage.IdempotencyCompleted:
			log.Printf("guard replay key=%s status=%s", key, row.Status)
			return Outcome{Result: row.Result, Replayed: true}, nil
		case storage.IdempotencyFailed:
			log.Printf("guard replay key=%s status=%s", key, row.Status)
			return Outcome{Replayed: true}, domain.E(domain.CodeIdempotencyKeyFailed, "operation %s already failed: %s", key, row.LastError)
		default:
			return Outcome{}, domain.E(domain.CodeOperationInFlight, "operation %s is in flight", key)
		}
	}

	result, opErr := op(ctx)
	if opErr != nil {
		if recordableFailure(opErr) {
			if resolveErr := g.store.ResolveIdempotencyKey(ctx, key, storage.IdempotencyFailed, "", opErr.Error()); resolveErr != nil {
				log.Printf("guard resolve failed key=%s status=FAILED error=%v", key, resolveErr)
			}
			return Outcome{}, opErr
		}
		// Transient or unclassified: drop the claim so a retry re-runs the
		// operation instead of replaying a failure that may not recur.
		if releaseErr := g.store.ReleaseIdempotencyKey(ctx, key); releaseErr != nil {
			log.Printf("guard release failed key=%s error=%v", key, releaseErr)
		}
		return Outcome{}, opErr
	}
	if err := g.store.ResolveIdempotencyKey(ctx, key, storage.IdempotencyCompleted, result, ""); err != nil {
		return Outcome{}, err
	}
	return Outcome{Result: result}, nil
}

// recordableFailure reports whether an operation error is a settled business
// outcome worth replaying to later callers. Transient faults and unclassified
// infrastructure errors are not: recording those as FAILED would pin every
// retry to a failure that may have been momentary.
func recordableFailure(err error) bool {
	if domain.IsPermanent(err) {
		return true
	}
	if code := domain.CodeOf(err); code != domain.CodeUnknown {
		return !domain.Transient(err)
	}
	return false
}

// Lookup returns the recorded outcome for key without claiming it.
func (g *Guard) Lookup(ctx context.Context, key string) (storage.IdempotencyRow, error) {
	return g.store.GetIdempotencyKey(ctx, key)
}
