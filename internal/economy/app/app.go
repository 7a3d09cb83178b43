// Package app wires the economy services over one SQLite store and runs the
// background workflow resume loop.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kc92/desperado/internal/economy/guard"
	"github.com/kc92/desperado/internal/economy/ledger"
	"github.com/kc92/desperado/internal/economy/lock"
	"github.com/kc92/desperado/internal/economy/registration"
	"github.com/kc92/desperado/internal/economy/storage/sqlite"
	"github.com/kc92/desperado/internal/economy/workflow"
	"golang.org/x/sync/errgroup"
)

const defaultResumeInterval = 30 * time.Second

// Config carries everything needed to assemble the economy core.
type Config struct {
	// DatabasePath is the SQLite file backing all durable state.
	DatabasePath string
	// MaxBalance caps every account balance; zero keeps the store default.
	MaxBalance int64
	// ResumeInterval is how often unfinished workflows are swept.
	ResumeInterval time.Duration
	// GuardStaleAfter is the crashed-claim takeover window; zero keeps the
	// guard default.
	GuardStaleAfter time.Duration
}

// App is the assembled economy core.
type App struct {
	Store        *sqlite.Store
	Ledger       *ledger.Service
	Locks        *lock.Manager
	Guard        *guard.Guard
	Workflows    *workflow.Coordinator
	Registration *registration.Service

	resumeInterval time.Duration
}

// New opens storage, applies migrations, and wires every service.
func New(cfg Config) (*App, error) {
	if cfg.DatabasePath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	var storeOpts []sqlite.Option
	if cfg.MaxBalance > 0 {
		storeOpts = append(storeOpts, sqlite.WithMaxBalance(cfg.MaxBalance))
	}
	store, err := sqlite.Open(cfg.DatabasePath, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("open economy storage: %w", err)
	}

	ledgerSvc := ledger.NewService(store, store, store)
	locks := lock.NewManager(store)

	var guardOpts []guard.Option
	if cfg.GuardStaleAfter > 0 {
		guardOpts = append(guardOpts, guard.WithStaleAfter(cfg.GuardStaleAfter))
	}

	workflows := workflow.NewCoordinator(store)
	workflow.RegisterLedgerHandlers(workflows, ledgerSvc)

	resumeInterval := cfg.ResumeInterval
	if resumeInterval <= 0 {
		resumeInterval = defaultResumeInterval
	}

	return &App{
		Store:          store,
		Ledger:         ledgerSvc,
		Locks:          locks,
		Guard:          guard.New(store, guardOpts...),
		Workflows:      workflows,
		Registration:   registration.NewService(store, ledgerSvc, locks),
		resumeInterval: resumeInterval,
	}, nil
}

// Run executes the startup recovery sweep and then resumes unfinished
// workflows on a fixed tick until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.Workflows.Resume(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("startup workflow sweep: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(a.resumeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := a.Workflows.Resume(ctx); err != nil && ctx.Err() == nil {
					log.Printf("workflow sweep failed error=%v", err)
				}
			}
		}
	})

	err := group.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil && err == nil {
		log.Printf("economy run loop stopping reason=%v", ctxErr)
	}
	return err
}

// Close releases the underlying store.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	return a.Store.Close()
}
