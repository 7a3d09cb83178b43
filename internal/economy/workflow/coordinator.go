// Package workflow runs multi-step economy operations as resumable sagas.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/kc92/desperado/internal/economy/domain"
	"github.com/kc92/desperado/internal/economy/storage"
	"github.com/kc92/desperado/internal/platform/id"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "economy/workflow"

const (
	defaultStepMaxTries        = uint(3)
	defaultStepInitialInterval = 25 * time.Millisecond
	defaultStepMaxInterval     = 500 * time.Millisecond
)

// StepRequest identifies one step execution within a workflow.
//
// Handlers derive their ledger correlation ids from WorkflowID and Position,
// so a crash-and-resume re-run of the same step replays the recorded outcome
// instead of applying a second balance change.
type StepRequest struct {
	WorkflowID string
	Position   int
	Params     map[string]string
}

// StepHandler executes one named step kind and undoes it on compensation.
//
// Both directions must be idempotent per (workflow, position): the coordinator
// re-runs them freely after a crash.
type StepHandler interface {
	Execute(ctx context.Context, req StepRequest) (string, error)
	Compensate(ctx context.Context, req StepRequest) error
}

// Coordinator creates, executes, resumes, and cancels workflows.
//
// All progress is written through the workflow store before the next step
// runs, so a crash at any point leaves a resumable record.
type Coordinator struct {
	store           storage.WorkflowStore
	handlers        map[string]StepHandler
	maxTries        uint
	initialInterval time.Duration
	maxInterval     time.Duration
	tracer          trace.Tracer
}

// Option configures coordinator behavior.
type Option func(*Coordinator)

// WithStepRetries bounds per-step execution attempts.
func WithStepRetries(tries uint) Option {
	return func(c *Coordinator) {
		if tries > 0 {
			c.maxTries = tries
		}
	}
}

// WithStepRetryInterval sets the per-step backoff delays.
func WithStepRetryInterval(initial, max time.Duration) Option {
	return func(c *Coordinator) {
		if initial > 0 {
			c.initialInterval = initial
		}
		if max > 0 {
			c.maxInterval = max
		}
	}
}

// NewCoordinator wires a coordinator over the workflow store.
func NewCoordinator(store storage.WorkflowStore, opts ...Option) *Coordinator {
	coordinator := &Coordinator{
		store:           store,
		handlers:        make(map[string]StepHandler),
		maxTries:        defaultStepMaxTries,
		initialInterval: defaultStepInitialInterval,
		maxInterval:     defaultStepMaxInterval,
		tracer:          otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(coordinator)
		}
	}
	return coordinator
}

// Register binds a step name to its handler. Registering twice replaces the
// earlier handler.
func (c *Coordinator) Register(name string, handler StepHandler) {
	c.handlers[name] = handler
}

// Create persists a new workflow in PENDING without running any step.
//
// The idempotency key dedupes creation: submitting the same key again returns
// the existing workflow, terminal or not, with created=false.
func (c *Coordinator) Create(ctx context.Context, kind string, steps []domain.StepDescriptor, idempotencyKey string) (domain.Workflow, bool, error) {
	if err := domain.ValidateNewWorkflow(kind, steps, idempotencyKey); err != nil {
		return domain.Workflow{}, false, err
	}
	for i, step := range steps {
		if _, ok := c.handlers[step.Name]; !ok {
			return domain.Workflow{}, false, domain.E(domain.CodeWorkflowUnknownStep, "step %d has unknown handler %q", i, step.Name)
		}
	}

	workflowID, err := id.NewID()
	if err != nil {
		return domain.Workflow{}, false, fmt.Errorf("new workflow id: %w", err)
	}
	wf := domain.Workflow{
		ID:             workflowID,
		Kind:           kind,
		Steps:          steps,
		Status:         domain.WorkflowPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	created, wasCreated, err := c.store.CreateWorkflow(ctx, wf)
	if err != nil {
		return domain.Workflow{}, false, err
	}
	if !wasCreated {
		log.Printf("workflow create dedup kind=%s idempotency_key=%s workflow_id=%s status=%s", kind, idempotencyKey, created.ID, created.Status)
	}
	return created, wasCreated, nil
}

// Get loads one workflow.
func (c *Coordinator) Get(ctx context.Context, workflowID string) (domain.Workflow, error) {
	wf, err := c.store.GetWorkflow(ctx, workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Workflow{}, domain.E(domain.CodeWorkflowNotFound, "workflow %s not found", workflowID)
	}
	return wf, err
}

// Execute drives a workflow forward until it reaches a terminal status.
//
// Execution resumes at the durable cursor, so calling Execute on a workflow
// that already ran some steps continues rather than restarts. A terminal
// workflow is returned as-is; in particular, a COMPLETED workflow returns its
// recorded result without re-running anything.
func (c *Coordinator) Execute(ctx context.Context, workflowID string) (domain.Workflow, error) {
	wf, err := c.Get(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	ctx, span := c.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("economy.workflow_id", wf.ID),
		attribute.String("economy.workflow_kind", wf.Kind),
		attribute.String("economy.workflow_status", string(wf.Status)),
	))
	defer span.End()

	switch wf.Status {
	case domain.WorkflowCompleted, domain.WorkflowFailed, domain.WorkflowCanceled:
		return wf, nil
	case domain.WorkflowCompensating:
		return c.compensate(ctx, wf, wf.LastError)
	case domain.WorkflowPending:
		if err := c.store.AdvanceWorkflow(ctx, wf.ID, wf.Cursor, domain.WorkflowInProgress, ""); err != nil {
			return domain.Workflow{}, err
		}
	}
	return c.run(ctx, wf)
}

func (c *Coordinator) run(ctx context.Context, wf domain.Workflow) (domain.Workflow, error) {
	var lastResult string
	for position := wf.Cursor; position < len(wf.Steps); position++ {
		step := wf.Steps[position]
		handler, ok := c.handlers[step.Name]
		if !ok {
			return c.compensate(ctx, wf, fmt.Sprintf("step %d has unknown handler %q", position, step.Name))
		}

		result, err := c.runStep(ctx, handler, StepRequest{
			WorkflowID: wf.ID,
			Position:   position,
			Params:     step.Params,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				// Interrupted, not failed: leave the workflow resumable.
				return wf, ctxErr
			}
			log.Printf("workflow step failed workflow_id=%s step=%d name=%s error=%v", wf.ID, position, step.Name, err)
			wf.Cursor = position
			return c.compensate(ctx, wf, err.Error())
		}

		lastResult = result
		wf.Cursor = position + 1
		if err := c.store.AdvanceWorkflow(ctx, wf.ID, wf.Cursor, domain.WorkflowInProgress, ""); err != nil {
			return domain.Workflow{}, err
		}
		log.Printf("workflow step done workflow_id=%s step=%d name=%s", wf.ID, position, step.Name)
	}

	if err := c.store.FinishWorkflow(ctx, wf.ID, domain.WorkflowCompleted, lastResult); err != nil {
		return domain.Workflow{}, err
	}
	log.Printf("workflow completed workflow_id=%s kind=%s steps=%d", wf.ID, wf.Kind, len(wf.Steps))
	return c.Get(ctx, wf.ID)
}

// runStep executes one step with bounded backoff. Errors marked permanent and
// coded business failures short-circuit; transient and unclassified errors
// retry up to the budget.
func (c *Coordinator) runStep(ctx context.Context, handler StepHandler, req StepRequest) (string, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.initialInterval
	expo.MaxInterval = c.maxInterval

	return backoff.Retry(ctx, func() (string, error) {
		result, err := handler.Execute(ctx, req)
		if err != nil && !retryable(err) {
			return "", backoff.Permanent(err)
		}
		return result, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(c.maxTries))
}

// compensate undoes completed steps in reverse order, then marks FAILED.
//
// Compensation re-runs are safe: handlers derive per-step correlation ids, so
// a step already compensated before a crash replays instead of double-paying.
// Compensating actions get the same bounded retry budget as forward steps,
// and a compensation that still fails keeps the workflow in COMPENSATING so
// the resume sweep retries it later: FAILED is reached only once every
// completed step has been undone.
func (c *Coordinator) compensate(ctx context.Context, wf domain.Workflow, cause string) (domain.Workflow, error) {
	if wf.Status != domain.WorkflowCompensating {
		if err := c.store.AdvanceWorkflow(ctx, wf.ID, wf.Cursor, domain.WorkflowCompensating, cause); err != nil {
			return domain.Workflow{}, err
		}
	}
	log.Printf("workflow compensating workflow_id=%s kind=%s completed_steps=%d cause=%q", wf.ID, wf.Kind, wf.Cursor, cause)

	lastError := cause
	pending := 0
	for position := wf.Cursor - 1; position >= 0; position-- {
		step := wf.Steps[position]
		handler, ok := c.handlers[step.Name]
		if !ok {
			log.Printf("workflow compensation blocked workflow_id=%s step=%d name=%s reason=unknown_handler", wf.ID, position, step.Name)
			lastError = fmt.Sprintf("%s; compensate step %d: unknown handler %q", lastError, position, step.Name)
			pending++
			continue
		}
		err := c.compensateStep(ctx, handler, StepRequest{
			WorkflowID: wf.ID,
			Position:   position,
			Params:     step.Params,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return wf, ctxErr
			}
			log.Printf("workflow compensation failed workflow_id=%s step=%d name=%s error=%v", wf.ID, position, step.Name, err)
			lastError = fmt.Sprintf("%s; compensate step %d: %v", lastError, position, err)
			pending++
			continue
		}
		if err := c.store.MarkStepCompensated(ctx, wf.ID, position); err != nil {
			return domain.Workflow{}, err
		}
		log.Printf("workflow step compensated workflow_id=%s step=%d name=%s", wf.ID, position, step.Name)
	}

	if pending > 0 {
		// Money is still out: stay COMPENSATING and let the resume sweep
		// retry the remaining compensations.
		if err := c.store.AdvanceWorkflow(ctx, wf.ID, wf.Cursor, domain.WorkflowCompensating, lastError); err != nil {
			return domain.Workflow{}, err
		}
		log.Printf("workflow compensation incomplete workflow_id=%s pending=%d", wf.ID, pending)
		return c.Get(ctx, wf.ID)
	}

	if lastError != cause {
		if err := c.store.AdvanceWorkflow(ctx, wf.ID, wf.Cursor, domain.WorkflowCompensating, lastError); err != nil {
			log.Printf("workflow record last error workflow_id=%s error=%v", wf.ID, err)
		}
	}
	if err := c.store.FinishWorkflow(ctx, wf.ID, domain.WorkflowFailed, ""); err != nil {
		return domain.Workflow{}, err
	}
	return c.Get(ctx, wf.ID)
}

// compensateStep runs one compensation with the same retry policy as forward
// execution.
func (c *Coordinator) compensateStep(ctx context.Context, handler StepHandler, req StepRequest) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.initialInterval
	expo.MaxInterval = c.maxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := handler.Compensate(ctx, req)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(c.maxTries))
	return err
}

// Cancel cancels a workflow that has not run any effectful step yet.
func (c *Coordinator) Cancel(ctx context.Context, workflowID string) error {
	err := c.store.CancelWorkflow(ctx, workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.E(domain.CodeWorkflowNotFound, "workflow %s not found", workflowID)
	}
	if err == nil {
		log.Printf("workflow canceled workflow_id=%s", workflowID)
	}
	return err
}

// Resume drives every non-terminal workflow to completion, oldest first.
// It is the crash-recovery sweep run at startup and on a periodic tick.
func (c *Coordinator) Resume(ctx context.Context) error {
	workflows, err := c.store.ListWorkflowsByStatus(ctx,
		domain.WorkflowPending,
		domain.WorkflowInProgress,
		domain.WorkflowCompensating,
	)
	if err != nil {
		return fmt.Errorf("list resumable workflows: %w", err)
	}
	for _, wf := range workflows {
		if err := ctx.Err(); err != nil {
			return err
		}
		resumed, err := c.Execute(ctx, wf.ID)
		if err != nil {
			log.Printf("workflow resume failed workflow_id=%s error=%v", wf.ID, err)
			continue
		}
		log.Printf("workflow resumed workflow_id=%s status=%s", resumed.ID, resumed.Status)
	}
	return nil
}

// retryable reports whether a step error deserves another in-process attempt.
func retryable(err error) bool {
	if domain.IsPermanent(err) {
		return false
	}
	if code := domain.CodeOf(err); code != domain.CodeUnknown {
		return domain.Transient(err)
	}
	return true
}
