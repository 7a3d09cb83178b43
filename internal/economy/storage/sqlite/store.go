// Package sqlite implements the economy storage contracts over SQLite.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kc92/desperado/internal/economy/storage"
	"github.com/kc92/desperado/internal/economy/storage/sqlite/migrations"
	"github.com/kc92/desperado/internal/platform/storage/sqlitemigrate"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const defaultMaxBalance = int64(1_000_000_000)

// Store provides SQLite-backed persistence for accounts, audit records,
// locks, workflows, idempotency keys, and event registrations.
//
// A single SQLite file backs all economy state so a balance change and its
// audit record share one transaction and one durability boundary.
type Store struct {
	sqlDB      *sql.DB
	maxBalance int64
	clock      func() time.Time
}

// Option configures store behavior at open time.
type Option func(*Store)

// WithMaxBalance overrides the configured balance cap.
func WithMaxBalance(cap int64) Option {
	return func(s *Store) {
		if cap > 0 {
			s.maxBalance = cap
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Open opens an economy SQLite store and applies bundled migrations.
//
// Transactions start in immediate mode so a mutation never has to upgrade a
// read lock mid-transaction, which is where SQLite write conflicts bite.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_foreign_keys=ON&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{
		sqlDB:      sqlDB,
		maxBalance: defaultMaxBalance,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.LedgerFS, "ledger"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// MaxBalance reports the configured balance cap.
func (s *Store) MaxBalance() int64 {
	if s == nil {
		return 0
	}
	return s.maxBalance
}

func (s *Store) now() time.Time {
	if s == nil || s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toNullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT ||
		code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

var (
	_ storage.AccountStore      = (*Store)(nil)
	_ storage.LedgerStore       = (*Store)(nil)
	_ storage.AuditStore        = (*Store)(nil)
	_ storage.LockStore         = (*Store)(nil)
	_ storage.IdempotencyStore  = (*Store)(nil)
	_ storage.WorkflowStore     = (*Store)(nil)
	_ storage.RegistrationStore = (*Store)(nil)
)
