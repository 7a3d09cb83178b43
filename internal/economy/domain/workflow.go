package domain

import (
	"strings"
	"time"
)

// WorkflowStatus is the saga lifecycle state.
//
// The only legal paths are PENDING → IN_PROGRESS → COMPLETED and
// IN_PROGRESS → COMPENSATING → FAILED (plus PENDING → CANCELED before the
// first effectful step). No edges leave a terminal status.
type WorkflowStatus string

const (
	WorkflowPending      WorkflowStatus = "PENDING"
	WorkflowInProgress   WorkflowStatus = "IN_PROGRESS"
	WorkflowCompensating WorkflowStatus = "COMPENSATING"
	WorkflowCompleted    WorkflowStatus = "COMPLETED"
	WorkflowFailed       WorkflowStatus = "FAILED"
	WorkflowCanceled     WorkflowStatus = "CANCELED"
)

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCanceled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s WorkflowStatus) CanTransition(next WorkflowStatus) bool {
	switch s {
	case WorkflowPending:
		return next == WorkflowInProgress || next == WorkflowCanceled
	case WorkflowInProgress:
		return next == WorkflowCompleted || next == WorkflowCompensating
	case WorkflowCompensating:
		return next == WorkflowFailed
	}
	return false
}

// StepDescriptor names one saga step and the parameters its handler receives.
type StepDescriptor struct {
	Name   string
	Params map[string]string
}

// Workflow is a durable multi-step operation with crash-resumable progress.
//
// Cursor counts completed steps: resuming after a crash continues at step
// Cursor, never before it.
type Workflow struct {
	ID             string
	Kind           string
	Steps          []StepDescriptor
	Cursor         int
	Status         WorkflowStatus
	IdempotencyKey string
	Result         string
	LastError      string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// ValidateNewWorkflow checks saga creation inputs before persisting anything.
func ValidateNewWorkflow(kind string, steps []StepDescriptor, idempotencyKey string) error {
	if strings.TrimSpace(kind) == "" {
		return E(CodeWorkflowInvalidSteps, "workflow kind is required")
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return E(CodeWorkflowInvalidSteps, "workflow idempotency key is required")
	}
	if len(steps) == 0 {
		return E(CodeWorkflowInvalidSteps, "workflow needs at least one step")
	}
	for i, step := range steps {
		if strings.TrimSpace(step.Name) == "" {
			return E(CodeWorkflowInvalidSteps, "workflow step %d has no name", i)
		}
	}
	return nil
}
