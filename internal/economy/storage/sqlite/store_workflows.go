package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kc92/desperado/internal/economy/domain"
	"github.com/kc92/desperado/internal/economy/storage"
)

const workflowTerminalGuard = `status NOT IN ('COMPLETED', 'FAILED', 'CANCELED')`

// CreateWorkflow persists a new workflow and its steps.
//
// The idempotency key is UNIQUE: a duplicate create returns the existing
// workflow with created=false instead of a second saga.
func (s *Store) CreateWorkflow(ctx context.Context, wf domain.Workflow) (domain.Workflow, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Workflow{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Workflow{}, false, fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO workflows (id, kind, idempotency_key, status, cursor, result, last_error, created_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		wf.ID,
		wf.Kind,
		wf.IdempotencyKey,
		string(wf.Status),
		wf.Cursor,
		wf.Result,
		wf.LastError,
		toMillis(wf.CreatedAt),
		toNullMillis(wf.CompletedAt),
	); err != nil {
		if isConstraintError(err) {
			_ = tx.Rollback()
			existing, getErr := s.GetWorkflowByIdempotencyKey(ctx, wf.IdempotencyKey)
			if getErr != nil {
				return domain.Workflow{}, false, fmt.Errorf("load existing workflow: %w", getErr)
			}
			return existing, false, nil
		}
		return domain.Workflow{}, false, fmt.Errorf("create workflow: %w", err)
	}

	for position, step := range wf.Steps {
		params, err := encodeStepParams(step.Params)
		if err != nil {
			return domain.Workflow{}, false, err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO workflow_steps (workflow_id, position, name, params, compensated)
VALUES (?, ?, ?, ?, 0)
`, wf.ID, position, step.Name, params); err != nil {
			return domain.Workflow{}, false, fmt.Errorf("create workflow step %d: %w", position, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, false, fmt.Errorf("commit: %w", err)
	}
	return wf, true, nil
}

// GetWorkflow loads one workflow and its ordered steps.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (domain.Workflow, error) {
	return s.getWorkflowBy(ctx, "id = ?", workflowID)
}

// GetWorkflowByIdempotencyKey loads the workflow created under key.
func (s *Store) GetWorkflowByIdempotencyKey(ctx context.Context, key string) (domain.Workflow, error) {
	return s.getWorkflowBy(ctx, "idempotency_key = ?", key)
}

func (s *Store) getWorkflowBy(ctx context.Context, where string, arg any) (domain.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return domain.Workflow{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Workflow{}, fmt.Errorf("storage is not configured")
	}

	var (
		wf          domain.Workflow
		status      string
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, kind, idempotency_key, status, cursor, result, last_error, created_at, completed_at
FROM workflows
WHERE `+where, arg).Scan(
		&wf.ID,
		&wf.Kind,
		&wf.IdempotencyKey,
		&status,
		&wf.Cursor,
		&wf.Result,
		&wf.LastError,
		&createdAt,
		&completedAt,
	)
	if err == sql.ErrNoRows {
		return domain.Workflow{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("get workflow: %w", err)
	}
	wf.Status = domain.WorkflowStatus(status)
	wf.CreatedAt = fromMillis(createdAt)
	wf.CompletedAt = fromNullMillis(completedAt)

	steps, err := s.workflowSteps(ctx, wf.ID)
	if err != nil {
		return domain.Workflow{}, err
	}
	wf.Steps = steps
	return wf, nil
}

func (s *Store) workflowSteps(ctx context.Context, workflowID string) ([]domain.StepDescriptor, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT name, params FROM workflow_steps WHERE workflow_id = ? ORDER BY position ASC
`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.StepDescriptor
	for rows.Next() {
		var name, params string
		if err := rows.Scan(&name, &params); err != nil {
			return nil, fmt.Errorf("scan workflow step: %w", err)
		}
		decoded, err := decodeStepParams(params)
		if err != nil {
			return nil, err
		}
		steps = append(steps, domain.StepDescriptor{Name: name, Params: decoded})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow steps: %w", err)
	}
	return steps, nil
}

// AdvanceWorkflow durably records step progress before the next step runs.
//
// Terminal workflows reject the update: a crashed-and-resumed executor racing
// a finished one cannot drag a workflow back to life.
func (s *Store) AdvanceWorkflow(ctx context.Context, workflowID string, cursor int, status domain.WorkflowStatus, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE workflows SET cursor = ?, status = ?, last_error = ? WHERE id = ? AND `+workflowTerminalGuard,
		cursor, string(status), lastError, workflowID)
	if err != nil {
		return fmt.Errorf("advance workflow: %w", err)
	}
	return s.requireWorkflowUpdated(ctx, result, workflowID)
}

// FinishWorkflow records a terminal status and result exactly once.
func (s *Store) FinishWorkflow(ctx context.Context, workflowID string, status domain.WorkflowStatus, result string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if !status.Terminal() {
		return domain.E(domain.CodeWorkflowTerminal, "finish requires a terminal status, got %s", status)
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE workflows SET status = ?, result = ?, completed_at = ? WHERE id = ? AND `+workflowTerminalGuard,
		string(status), result, toMillis(s.now()), workflowID)
	if err != nil {
		return fmt.Errorf("finish workflow: %w", err)
	}
	return s.requireWorkflowUpdated(ctx, res, workflowID)
}

// CancelWorkflow cancels a workflow only before its first effectful step.
func (s *Store) CancelWorkflow(ctx context.Context, workflowID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE workflows SET status = 'CANCELED', completed_at = ? WHERE id = ? AND status = 'PENDING' AND cursor = 0
`, toMillis(s.now()), workflowID)
	if err != nil {
		return fmt.Errorf("cancel workflow: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel workflow rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, getErr := s.GetWorkflow(ctx, workflowID); getErr != nil {
		return getErr
	}
	return domain.E(domain.CodeWorkflowNotCancelable, "workflow %s already started or finished", workflowID)
}

// MarkStepCompensated flags one completed step as compensated.
func (s *Store) MarkStepCompensated(ctx context.Context, workflowID string, position int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE workflow_steps SET compensated = 1 WHERE workflow_id = ? AND position = ?
`, workflowID, position)
	if err != nil {
		return fmt.Errorf("mark step compensated: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark step compensated rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListWorkflowsByStatus returns workflows in any of the given statuses,
// oldest first, for the crash-recovery resume sweep.
func (s *Store) ListWorkflowsByStatus(ctx context.Context, statuses ...domain.WorkflowStatus) ([]domain.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if len(statuses) == 0 {
		return nil, fmt.Errorf("at least one status is required")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		args = append(args, string(status))
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id FROM workflows WHERE status IN (`+placeholders+`) ORDER BY created_at ASC, id ASC
`, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows by status: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var workflowID string
		if err := rows.Scan(&workflowID); err != nil {
			return nil, fmt.Errorf("scan workflow id: %w", err)
		}
		ids = append(ids, workflowID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow ids: %w", err)
	}

	workflows := make([]domain.Workflow, 0, len(ids))
	for _, workflowID := range ids {
		wf, err := s.GetWorkflow(ctx, workflowID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

func (s *Store) requireWorkflowUpdated(ctx context.Context, result sql.Result, workflowID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("workflow rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, getErr := s.GetWorkflow(ctx, workflowID); getErr != nil {
		return getErr
	}
	return domain.E(domain.CodeWorkflowTerminal, "workflow %s is terminal", workflowID)
}

func encodeStepParams(params map[string]string) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode step params: %w", err)
	}
	return string(encoded), nil
}

func decodeStepParams(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" || raw == "{}" {
		return nil, nil
	}
	var params map[string]string
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("decode step params: %w", err)
	}
	return params, nil
}
