// Package store provides the durable state abstraction for workflows,
// approvals, decisions, and the audit trail.
package store

import (
	"context"
	"time"

	"github.com/secflow-io/secflow/pkg/models"
)

// ListWorkflowsOptions filters and pages workflow listings.
type ListWorkflowsOptions struct {
	State      *models.WorkflowState
	Repository string
	Limit      int
	Offset     int
}

// WorkflowListResult is a page of workflows.
type WorkflowListResult struct {
	Workflows   []*models.Workflow
	TotalCount  int
	HasNextPage bool
}

// AuditFilter selects audit entries. Zero fields match everything.
type AuditFilter struct {
	WorkflowID      string
	VulnerabilityID string
	Since           time.Time
	Until           time.Time
	Limit           int
	Offset          int
}

// Store is the single concurrency-control point of the system. SaveWorkflow
// performs a compare-and-swap on the workflow version: callers must re-read
// and recompute on ErrVersionConflict. No in-process lock may substitute for
// this check, because the engine must stay correct across restarts and
// multiple instances.
type Store interface {
	CreateWorkflow(ctx context.Context, workflow *models.Workflow) error
	WorkflowByID(ctx context.Context, id string) (*models.Workflow, error)
	SaveWorkflow(ctx context.Context, workflow *models.Workflow, expectedVersion int64) error
	ListWorkflows(ctx context.Context, opts ListWorkflowsOptions) (*WorkflowListResult, error)

	SaveVulnerability(ctx context.Context, vuln *models.Vulnerability) error
	VulnerabilityByID(ctx context.Context, id string) (*models.Vulnerability, error)

	SaveApproval(ctx context.Context, approval *models.Approval) error
	ApprovalByID(ctx context.Context, id string) (*models.Approval, error)
	ApprovalByWorkflowID(ctx context.Context, workflowID string) (*models.Approval, error)
	PendingApprovalsBefore(ctx context.Context, deadline time.Time) ([]*models.Approval, error)

	AppendDecision(ctx context.Context, decision *models.Decision) error
	DecisionsByWorkflowID(ctx context.Context, workflowID string) ([]*models.Decision, error)

	AppendAudit(ctx context.Context, entry *models.AuditEntry) error
	AuditEntries(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
