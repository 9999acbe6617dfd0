package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/secflow-io/secflow/pkg/a2a"
	"github.com/secflow-io/secflow/pkg/approval"
	"github.com/secflow-io/secflow/pkg/audit"
	"github.com/secflow-io/secflow/pkg/events"
	"github.com/secflow-io/secflow/pkg/models"
)

// OnRemediationResult applies one collaborator result. Replays are detected
// by correlation id and dropped without effect; results for cancelled or
// terminal workflows are audited as late and dropped.
func (e *Engine) OnRemediationResult(ctx context.Context, result a2a.RemediationResult) error {
	workflowID, stepID, vulnerabilityID, err := parseRemediationCorrelationID(result.CorrelationID)
	if err != nil {
		return err
	}

	var (
		late      bool
		replay    bool
		completed bool
		failed    bool
		failure   string
	)

	updated, err := e.mutate(ctx, workflowID, func(workflow *models.Workflow) error {
		late, replay, completed, failed = false, false, false, false

		if workflow.Cancelled || workflow.State.Terminal() {
			late = true

			return errUnchanged
		}

		step := stepByID(workflow, stepID)
		if step == nil {
			return fmt.Errorf("no step %s on workflow %s", stepID, workflowID)
		}

		if step.Status.Terminal() {
			replay = true

			return errUnchanged
		}

		outcome := remediationOutcome{Results: map[string]a2a.RemediationResult{}}
		if len(step.Output) > 0 {
			err := json.Unmarshal(step.Output, &outcome)
			if err != nil {
				return fmt.Errorf("failed to decode remediation outcome: %w", err)
			}
		}

		if _, seen := outcome.Results[vulnerabilityID]; seen {
			replay = true

			return errUnchanged
		}

		outcome.Results[vulnerabilityID] = result

		raw, err := json.Marshal(outcome)
		if err != nil {
			return fmt.Errorf("failed to marshal remediation outcome: %w", err)
		}

		step.Output = raw

		var plan remediationPlan

		err = json.Unmarshal(step.Input, &plan)
		if err != nil {
			return fmt.Errorf("failed to decode remediation plan: %w", err)
		}

		switch {
		case !result.Succeeded():
			failure = result.Error
			if failure == "" {
				failure = fmt.Sprintf("remediation %s, tests_passed=%t", result.Status, result.TestsPassed)
			}

			failed = true
			finishStep(step, models.StepStatusFailed, failure)

			return transition(workflow, models.StateFailed)
		case len(outcome.Results) == len(plan.VulnerabilityIDs):
			completed = true
			finishStep(step, models.StepStatusSucceeded, "")

			return transition(workflow, models.StateCompleted)
		default:
			return nil
		}
	})
	if err != nil {
		return err
	}

	switch {
	case late:
		e.audit.Record(ctx, audit.Entry{
			Action:          models.AuditLateResponseDropped,
			WorkflowID:      workflowID,
			VulnerabilityID: vulnerabilityID,
			Success:         false,
			Detail:          fmt.Sprintf("result %s dropped, workflow is %s", result.CorrelationID, updated.State),
		})

		e.logger.WarnContext(ctx, "Dropped late remediation result",
			"workflow_id", workflowID,
			"correlation_id", result.CorrelationID,
		)

		return nil
	case replay:
		e.logger.InfoContext(ctx, "Ignored replayed remediation result",
			"workflow_id", workflowID,
			"correlation_id", result.CorrelationID,
		)

		return nil
	}

	action := models.AuditRemediationCompleted
	if !result.Succeeded() {
		action = models.AuditRemediationFailed
	}

	e.audit.Record(ctx, audit.Entry{
		Action:          action,
		WorkflowID:      workflowID,
		VulnerabilityID: vulnerabilityID,
		Success:         result.Succeeded(),
		Detail:          result.ArtifactReference,
	})

	switch {
	case completed:
		e.announceTransition(ctx, updated, models.StateRemediation, "")
		e.publish(ctx, workflowID, events.WorkflowCompleted{
			BaseEvent: e.newBase(events.WorkflowCompletedEvent, workflowID),
			Duration:  time.Since(updated.CreatedAt),
		})

		e.audit.Record(ctx, audit.Entry{
			Action:     models.AuditWorkflowCompleted,
			WorkflowID: workflowID,
			Success:    true,
		})
	case failed:
		e.announceTransition(ctx, updated, models.StateRemediation, "")

		return e.handleFailure(ctx, updated, failure)
	}

	return nil
}

// OnDeadLetter fails the workflow that owns an undeliverable remediation
// request. Called by the dead-letter consumer after the queue exhausted its
// delivery attempts.
func (e *Engine) OnDeadLetter(ctx context.Context, envelope a2a.Envelope) error {
	_, stepID, vulnerabilityID, err := parseRemediationCorrelationID(envelope.CorrelationID)
	if err != nil {
		return err
	}

	return e.OnRemediationResult(ctx, a2a.RemediationResult{
		CorrelationID: envelope.CorrelationID,
		Status:        "undeliverable",
		Error:         fmt.Sprintf("request for %s dead-lettered after delivery attempts exhausted (step %s)", vulnerabilityID, stepID),
	})
}

// ResolveApproval records a human decision and routes the workflow:
// approved -> remediation, rejected -> rejected_final. A second resolution
// returns approval.ErrAlreadyResolved and changes nothing.
func (e *Engine) ResolveApproval(ctx context.Context, approvalID, resolver string, approved bool, comment string) error {
	resolved, err := e.gate.Resolve(ctx, approvalID, resolver, approved, comment)
	if err != nil {
		return err
	}

	return e.applyApprovalOutcome(ctx, resolved)
}

// applyApprovalOutcome moves a workflow parked in awaiting_approval according
// to the approval's final status. Expired approvals reject by default;
// silence never authorizes a fix unless ApproveOnExpiry is set.
func (e *Engine) applyApprovalOutcome(ctx context.Context, resolved *models.Approval) error {
	proceed := resolved.Status == models.ApprovalApproved ||
		(resolved.Status == models.ApprovalExpired && e.config.ApproveOnExpiry)

	var applied bool

	updated, err := e.mutate(ctx, resolved.WorkflowID, func(workflow *models.Workflow) error {
		applied = false

		if workflow.State != models.StateAwaitingApproval {
			return errUnchanged
		}

		step := workflow.StepByCorrelationID(resolved.ID)
		if step != nil && !step.Status.Terminal() {
			if proceed {
				finishStep(step, models.StepStatusSucceeded, "")
			} else {
				finishStep(step, models.StepStatusFailed, string(resolved.Status))
			}
		}

		applied = true

		if proceed {
			return transition(workflow, models.StateRemediation)
		}

		return transition(workflow, models.StateRejectedFinal)
	})
	if err != nil {
		return err
	}

	if !applied {
		e.logger.InfoContext(ctx, "Approval outcome had no workflow to move",
			"approval_id", resolved.ID,
			"workflow_id", resolved.WorkflowID,
			"status", resolved.Status,
		)

		return nil
	}

	e.announceTransition(ctx, updated, models.StateAwaitingApproval, fmt.Sprintf("awaiting_approval -> %s: %s", updated.State, resolved.Status))

	if proceed {
		return e.Run(ctx, updated.ID)
	}

	e.publish(ctx, updated.ID, events.WorkflowFailed{
		BaseEvent: e.newBase(events.WorkflowFailedEvent, updated.ID),
		Error:     fmt.Sprintf("approval %s", resolved.Status),
	})

	return nil
}

// handleFailure runs after a workflow was persisted in failed state. While
// the retry budget lasts, a backoff deadline is written for the recovery
// sweep to release; once exhausted, the workflow escalates to a human
// instead of retrying forever.
func (e *Engine) handleFailure(ctx context.Context, workflow *models.Workflow, reason string) error {
	e.publish(ctx, workflow.ID, events.WorkflowFailed{
		BaseEvent: e.newBase(events.WorkflowFailedEvent, workflow.ID),
		Error:     reason,
	})

	if workflow.Cancelled {
		return nil
	}

	if workflow.RetryCount < e.config.MaxRetries {
		delay := e.config.RetryBackoff << workflow.RetryCount

		var scheduled bool

		updated, err := e.mutate(ctx, workflow.ID, func(workflow *models.Workflow) error {
			scheduled = false

			if workflow.State != models.StateFailed || workflow.NextRetryAt != nil {
				return errUnchanged
			}

			next := time.Now().UTC().Add(delay)
			workflow.NextRetryAt = &next
			workflow.UpdatedAt = time.Now().UTC()
			scheduled = true

			return nil
		})
		if err != nil {
			return err
		}

		if !scheduled {
			return nil
		}

		e.audit.Record(ctx, audit.Entry{
			Action:     models.AuditWorkflowFailed,
			WorkflowID: workflow.ID,
			Success:    false,
			Detail:     fmt.Sprintf("%s; retry %d/%d in %s", reason, workflow.RetryCount+1, e.config.MaxRetries, delay),
		})

		e.logger.WarnContext(ctx, "Workflow failed, retry scheduled",
			"workflow_id", workflow.ID,
			"retry", workflow.RetryCount+1,
			"max_retries", e.config.MaxRetries,
			"next_retry_at", updated.NextRetryAt,
		)

		return nil
	}

	e.audit.Record(ctx, audit.Entry{
		Action:     models.AuditWorkflowFailed,
		WorkflowID: workflow.ID,
		Success:    false,
		Detail:     fmt.Sprintf("%s; retries exhausted, escalating", reason),
	})

	title := fmt.Sprintf("Remediation failed %d times in %s", workflow.RetryCount+1, workflow.Repository)

	priority := models.PriorityP1
	if workflow.CriticalCount > 0 {
		priority = models.PriorityP0
	}

	return e.enterAwaitingApproval(ctx, workflow, models.StateFailed, title, priority, workflow.VulnerabilityIDs)
}

// IsAlreadyResolved reports whether err is a duplicate approval resolution.
func IsAlreadyResolved(err error) bool {
	return errors.Is(err, approval.ErrAlreadyResolved)
}
