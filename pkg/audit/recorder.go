// Package audit appends workflow facts to the append-only decision trail.
package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/secflow-io/secflow/pkg/models"
	"github.com/secflow-io/secflow/pkg/store"
)

// Recorder writes audit entries. A failure to audit is logged but never
// fails the operation being audited; the state transition itself is the
// source of truth.
type Recorder struct {
	store  store.Store
	logger *slog.Logger
}

func NewRecorder(st store.Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  st,
		logger: logger.With("module", "audit"),
	}
}

// Entry is the builder input for one audit fact.
type Entry struct {
	Action          models.AuditAction
	Actor           string
	WorkflowID      string
	VulnerabilityID string
	ApprovalID      string
	Success         bool
	Detail          string
}

func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if entry.Actor == "" {
		entry.Actor = models.ActorSystem
	}

	err := r.store.AppendAudit(ctx, &models.AuditEntry{
		ID:              uuid.New().String(),
		Action:          entry.Action,
		Actor:           entry.Actor,
		WorkflowID:      entry.WorkflowID,
		VulnerabilityID: entry.VulnerabilityID,
		ApprovalID:      entry.ApprovalID,
		Success:         entry.Success,
		Detail:          entry.Detail,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to append audit entry",
			"action", entry.Action,
			"workflow_id", entry.WorkflowID,
			"error", err,
		)
	}
}
