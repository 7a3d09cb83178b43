package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kc92/desperado/internal/economy/storage"
)

// CreateEvent persists a registerable event with its capacity and entry fee.
func (s *Store) CreateEvent(ctx context.Context, event storage.EventRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if event.Capacity <= 0 {
		return fmt.Errorf("event capacity must be greater than zero")
	}
	if event.EntryFee < 0 {
		return fmt.Errorf("event entry fee cannot be negative")
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO events (id, capacity, entry_fee, pool_account_id, created_at)
VALUES (?, ?, ?, ?, ?)
`, event.ID, event.Capacity, event.EntryFee, event.PoolAccountID, toMillis(createdAt)); err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

// GetEvent loads one event by id.
func (s *Store) GetEvent(ctx context.Context, eventID string) (storage.EventRow, error) {
	if err := ctx.Err(); err != nil {
		return storage.EventRow{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.EventRow{}, fmt.Errorf("storage is not configured")
	}

	var (
		event     storage.EventRow
		createdAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, capacity, entry_fee, pool_account_id, created_at FROM events WHERE id = ?
`, eventID).Scan(&event.ID, &event.Capacity, &event.EntryFee, &event.PoolAccountID, &createdAt)
	if err == sql.ErrNoRows {
		return storage.EventRow{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.EventRow{}, fmt.Errorf("get event: %w", err)
	}
	event.CreatedAt = fromMillis(createdAt)
	return event, nil
}

// CountParticipants counts admitted participants for an event.
func (s *Store) CountParticipants(ctx context.Context, eventID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `
SELECT COUNT(*) FROM event_participants WHERE event_id = ?
`, eventID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return count, nil
}

// AddParticipant records an admitted participant.
//
// The composite primary key absorbs duplicate admissions: re-adding the same
// account reports false without error.
func (s *Store) AddParticipant(ctx context.Context, participant storage.ParticipantRow) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}

	createdAt := participant.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	result, err := s.sqlDB.ExecContext(ctx, `
INSERT OR IGNORE INTO event_participants (event_id, account_id, created_at) VALUES (?, ?, ?)
`, participant.EventID, participant.AccountID, toMillis(createdAt))
	if err != nil {
		return false, fmt.Errorf("add participant: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add participant rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListParticipants returns an event's participants in admission order.
func (s *Store) ListParticipants(ctx context.Context, eventID string) ([]storage.ParticipantRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT event_id, account_id, created_at FROM event_participants WHERE event_id = ? ORDER BY created_at ASC, account_id ASC
`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var participants []storage.ParticipantRow
	for rows.Next() {
		var (
			participant storage.ParticipantRow
			createdAt   int64
		)
		if err := rows.Scan(&participant.EventID, &participant.AccountID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participant.CreatedAt = fromMillis(createdAt)
		participants = append(participants, participant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return participants, nil
}
