// Package store provides standardized error types for persistence operations.
package store

import (
	"errors"
	"fmt"
)

// Standard store error types that all implementations must use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrVersionConflict indicates the stored workflow version does not match
	// the expected version passed to SaveWorkflow. The caller must reload and
	// recompute the transition.
	ErrVersionConflict = errors.New("workflow version conflict")

	// ErrWorkflowExists indicates a workflow with the same identifier already exists.
	ErrWorkflowExists = errors.New("workflow already exists")

	// ErrVulnerabilityNotFound indicates a vulnerability was not found.
	ErrVulnerabilityNotFound = errors.New("vulnerability not found")

	// ErrApprovalNotFound indicates an approval was not found.
	ErrApprovalNotFound = errors.New("approval not found")

	// ErrStepTerminal indicates an attempt to mutate a step that already
	// reached a terminal status. Steps are append-only history.
	ErrStepTerminal = errors.New("step already terminal")
)

// WorkflowError wraps workflow-related errors with operation context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "Save", "ByID")
	WorkflowID string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{Op: op, WorkflowID: workflowID, Err: err}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsVersionConflict checks if an error indicates an optimistic-concurrency conflict.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsApprovalNotFound checks if an error indicates an approval was not found.
func IsApprovalNotFound(err error) bool {
	return errors.Is(err, ErrApprovalNotFound)
}
