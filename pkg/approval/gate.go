// Package approval implements the human-in-the-loop gate: a workflow parked
// in awaiting_approval until a human resolves it or the expiry deadline
// passes. The deadline is persisted, never an in-memory timer, so expiry
// survives restarts.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/secflow-io/secflow/pkg/audit"
	"github.com/secflow-io/secflow/pkg/models"
	"github.com/secflow-io/secflow/pkg/notify"
	"github.com/secflow-io/secflow/pkg/store"
)

// ErrAlreadyResolved indicates a second resolution attempt on an approval
// that already reached a final status. It has no side effect.
var ErrAlreadyResolved = errors.New("approval already resolved")

// DefaultTTL is the default approval expiry window.
const DefaultTTL = 24 * time.Hour

// Gate creates, resolves, and expires approvals.
type Gate struct {
	store    store.Store
	audit    *audit.Recorder
	notifier *notify.Notifier
	ttl      time.Duration
	logger   *slog.Logger
}

func NewGate(st store.Store, recorder *audit.Recorder, notifier *notify.Notifier, ttl time.Duration, logger *slog.Logger) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Gate{
		store:    st,
		audit:    recorder,
		notifier: notifier,
		ttl:      ttl,
		logger:   logger.With("module", "approval_gate"),
	}
}

// Request creates a pending approval for a workflow and fires a best-effort
// notification. The expiry deadline is requested_at + ttl.
func (g *Gate) Request(ctx context.Context, workflowID, title string, priority models.Priority, vulnerabilityIDs []string) (*models.Approval, error) {
	now := time.Now().UTC()

	approval := &models.Approval{
		ID:               uuid.New().String(),
		WorkflowID:       workflowID,
		Status:           models.ApprovalPending,
		Title:            title,
		Priority:         priority,
		VulnerabilityIDs: vulnerabilityIDs,
		RequestedBy:      models.ActorSystem,
		RequestedAt:      now,
		ExpiresAt:        now.Add(g.ttl),
	}

	err := g.store.SaveApproval(ctx, approval)
	if err != nil {
		return nil, fmt.Errorf("failed to save approval: %w", err)
	}

	g.audit.Record(ctx, audit.Entry{
		Action:     models.AuditApprovalRequested,
		WorkflowID: workflowID,
		ApprovalID: approval.ID,
		Success:    true,
		Detail:     title,
	})

	g.notifier.Send(ctx, notify.Notification{
		Kind:         "approval_requested",
		WorkflowID:   workflowID,
		ApprovalID:   approval.ID,
		Priority:     priority,
		PendingCount: len(vulnerabilityIDs),
		Detail:       title,
		ExpiresAt:    &approval.ExpiresAt,
	})

	g.logger.InfoContext(ctx, "Approval requested",
		"workflow_id", workflowID,
		"approval_id", approval.ID,
		"expires_at", approval.ExpiresAt,
	)

	return approval, nil
}

// Resolve records a human decision exactly once. A second attempt fails
// with ErrAlreadyResolved and changes nothing.
func (g *Gate) Resolve(ctx context.Context, approvalID, resolver string, approved bool, comment string) (*models.Approval, error) {
	approval, err := g.store.ApprovalByID(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	if approval.Resolved() {
		return nil, fmt.Errorf("%w: approval %s is %s", ErrAlreadyResolved, approvalID, approval.Status)
	}

	now := time.Now().UTC()
	approval.ResolvedBy = resolver
	approval.ResolvedAt = &now
	approval.Comment = comment

	action := models.AuditApprovalDenied
	approval.Status = models.ApprovalRejected

	if approved {
		action = models.AuditApprovalGranted
		approval.Status = models.ApprovalApproved
	}

	err = g.store.SaveApproval(ctx, approval)
	if err != nil {
		return nil, fmt.Errorf("failed to save approval resolution: %w", err)
	}

	g.audit.Record(ctx, audit.Entry{
		Action:     action,
		Actor:      resolver,
		WorkflowID: approval.WorkflowID,
		ApprovalID: approval.ID,
		Success:    true,
		Detail:     comment,
	})

	g.logger.InfoContext(ctx, "Approval resolved",
		"approval_id", approvalID,
		"status", approval.Status,
		"resolver", resolver,
	)

	return approval, nil
}

// Expire marks an approval expired. It shares the resolution invariant:
// an already-resolved approval is left untouched.
func (g *Gate) Expire(ctx context.Context, approvalID string) (*models.Approval, error) {
	approval, err := g.store.ApprovalByID(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	if approval.Resolved() {
		return nil, fmt.Errorf("%w: approval %s is %s", ErrAlreadyResolved, approvalID, approval.Status)
	}

	now := time.Now().UTC()
	approval.Status = models.ApprovalExpired
	approval.ResolvedBy = models.ActorSystem
	approval.ResolvedAt = &now
	approval.Comment = "expired"

	err = g.store.SaveApproval(ctx, approval)
	if err != nil {
		return nil, fmt.Errorf("failed to save approval expiry: %w", err)
	}

	g.audit.Record(ctx, audit.Entry{
		Action:     models.AuditApprovalExpired,
		WorkflowID: approval.WorkflowID,
		ApprovalID: approval.ID,
		Success:    true,
		Detail:     "expired",
	})

	g.notifier.Send(ctx, notify.Notification{
		Kind:       "approval_expired",
		WorkflowID: approval.WorkflowID,
		ApprovalID: approval.ID,
		Priority:   approval.Priority,
	})

	g.logger.InfoContext(ctx, "Approval expired", "approval_id", approvalID)

	return approval, nil
}

// PendingBefore lists pending approvals whose deadline passed; the recovery
// sweep feeds these to the engine.
func (g *Gate) PendingBefore(ctx context.Context, deadline time.Time) ([]*models.Approval, error) {
	return g.store.PendingApprovalsBefore(ctx, deadline)
}
