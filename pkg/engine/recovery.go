package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/secflow-io/secflow/pkg/approval"
	"github.com/secflow-io/secflow/pkg/audit"
	"github.com/secflow-io/secflow/pkg/models"
	"github.com/secflow-io/secflow/pkg/store"
)

const sweepPageSize = 100

func storeListOptions(state models.WorkflowState) store.ListWorkflowsOptions {
	return store.ListWorkflowsOptions{State: &state, Limit: sweepPageSize}
}

// Sweep runs one recovery pass over persisted deadlines: expire overdue
// approvals, release failed workflows whose backoff elapsed, and reissue
// collaborator calls for steps stuck in running. All three read deadlines
// from the store, so a sweep after a restart picks up exactly where the
// previous process stopped.
func (e *Engine) Sweep(ctx context.Context) error {
	return errors.Join(
		e.expireApprovals(ctx),
		e.releaseRetries(ctx),
		e.reissueStaleSteps(ctx),
	)
}

// expireApprovals resolves every pending approval whose deadline passed.
func (e *Engine) expireApprovals(ctx context.Context) error {
	overdue, err := e.gate.PendingBefore(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to list overdue approvals: %w", err)
	}

	var errs []error

	for _, pending := range overdue {
		expired, err := e.gate.Expire(ctx, pending.ID)
		if err != nil {
			if errors.Is(err, approval.ErrAlreadyResolved) {
				// Raced a human resolution; the event path wins.
				continue
			}

			errs = append(errs, err)

			continue
		}

		err = e.applyApprovalOutcome(ctx, expired)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// releaseRetries moves failed workflows back to pending once their persisted
// backoff deadline passes, then drives them forward.
func (e *Engine) releaseRetries(ctx context.Context) error {
	state := models.StateFailed

	page, err := e.store.ListWorkflows(ctx, storeListOptions(state))
	if err != nil {
		return fmt.Errorf("failed to list failed workflows: %w", err)
	}

	now := time.Now().UTC()

	var errs []error

	for _, workflow := range page.Workflows {
		if workflow.Cancelled || workflow.NextRetryAt == nil || now.Before(*workflow.NextRetryAt) {
			continue
		}

		var released bool

		updated, err := e.mutate(ctx, workflow.ID, func(workflow *models.Workflow) error {
			released = false

			if workflow.State != models.StateFailed || workflow.Cancelled {
				return errUnchanged
			}

			if workflow.NextRetryAt == nil || time.Now().UTC().Before(*workflow.NextRetryAt) {
				return errUnchanged
			}

			workflow.RetryCount++
			workflow.NextRetryAt = nil
			released = true

			return transition(workflow, models.StatePending)
		})
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if !released {
			continue
		}

		e.audit.Record(ctx, audit.Entry{
			Action:     models.AuditWorkflowTransitioned,
			WorkflowID: updated.ID,
			Success:    true,
			Detail:     fmt.Sprintf("failed -> pending, retry %d/%d", updated.RetryCount, e.config.MaxRetries),
		})

		e.logger.InfoContext(ctx, "Released workflow for retry",
			"workflow_id", updated.ID,
			"retry", updated.RetryCount,
		)

		err = e.Run(ctx, updated.ID)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// reissueStaleSteps re-dispatches calls for steps stuck in running longer
// than the staleness window, reusing the persisted correlation id. The
// collaborator's idempotency contract makes the duplicate harmless.
func (e *Engine) reissueStaleSteps(ctx context.Context) error {
	var errs []error

	for _, state := range []models.WorkflowState{
		models.StateRiskAssessment,
		models.StateRemediation,
		models.StateAwaitingApproval,
	} {
		page, err := e.store.ListWorkflows(ctx, storeListOptions(state))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list %s workflows: %w", state, err))

			continue
		}

		for _, workflow := range page.Workflows {
			if workflow.Cancelled {
				continue
			}

			step := workflow.RunningStep()
			if step == nil || step.StartedAt == nil {
				continue
			}

			if time.Since(*step.StartedAt) < e.config.StaleStepAfter {
				continue
			}

			e.logger.WarnContext(ctx, "Reissuing stale step",
				"workflow_id", workflow.ID,
				"step_id", step.ID,
				"kind", step.Kind,
				"correlation_id", step.CorrelationID,
			)

			err = e.handlers[step.Kind](ctx, workflow, step)
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to reissue step %s of workflow %s: %w", step.ID, workflow.ID, err))
			}
		}
	}

	return errors.Join(errs...)
}
