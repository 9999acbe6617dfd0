// Package engine drives vulnerability workflows through their lifecycle:
// risk assessment, deterministic decision, human approval, and remediation
// dispatch. The engine keeps no state of its own; every decision is
// recomputed from the store, so any instance can pick up any workflow after
// a crash or a version conflict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/secflow-io/secflow/pkg/a2a"
	"github.com/secflow-io/secflow/pkg/approval"
	"github.com/secflow-io/secflow/pkg/audit"
	"github.com/secflow-io/secflow/pkg/eventbus"
	"github.com/secflow-io/secflow/pkg/events"
	"github.com/secflow-io/secflow/pkg/models"
	"github.com/secflow-io/secflow/pkg/otelhelper"
	"github.com/secflow-io/secflow/pkg/store"
)

const senderName = "secflow-engine"

// saveAttempts bounds the reload-recompute loop on version conflicts.
const saveAttempts = 5

// errUnchanged is returned by a mutate closure to abort without saving,
// typically because a precondition re-check showed the work is already done.
var errUnchanged = errors.New("workflow unchanged")

// CollaboratorClient is the resilience-wrapped transport the engine uses to
// reach collaborators. Satisfied by resilience.Client.
type CollaboratorClient interface {
	Call(ctx context.Context, target string, env a2a.Envelope) (*a2a.Envelope, error)
	Enqueue(ctx context.Context, target, queueName string, env a2a.Envelope, ttl time.Duration) error
}

type stepHandler func(ctx context.Context, workflow *models.Workflow, step *models.WorkflowStep) error

// Engine orchestrates workflow state transitions. All persisted mutations go
// through mutate, which enforces the store's version check.
type Engine struct {
	store     store.Store
	client    CollaboratorClient
	gate      *approval.Gate
	audit     *audit.Recorder
	publisher eventbus.EventPublisher
	config    Config
	handlers  map[models.StepKind]stepHandler
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewEngine(
	st store.Store,
	client CollaboratorClient,
	gate *approval.Gate,
	recorder *audit.Recorder,
	publisher eventbus.EventPublisher,
	config Config,
	logger *slog.Logger,
) (*Engine, error) {
	engine := &Engine{
		store:     st,
		client:    client,
		gate:      gate,
		audit:     recorder,
		publisher: publisher,
		config:    config,
		logger:    logger.With("module", "engine"),
		tracer:    otel.Tracer("secflow.engine"),
	}

	engine.handlers = map[models.StepKind]stepHandler{
		models.StepKindRiskAssessment: engine.runRiskAssessment,
		models.StepKindRemediation:    engine.dispatchRemediation,
		models.StepKindApprovalWait:   engine.checkApprovalWait,
	}

	// The step kind set is closed: a kind without a handler is a wiring bug
	// caught here rather than at dispatch time.
	for _, kind := range []models.StepKind{
		models.StepKindRiskAssessment,
		models.StepKindRemediation,
		models.StepKindApprovalWait,
	} {
		if engine.handlers[kind] == nil {
			return nil, fmt.Errorf("no handler registered for step kind %s", kind)
		}
	}

	return engine, nil
}

// Run drives a workflow forward until it parks (waiting on a collaborator
// result, a human, or a retry deadline) or reaches a terminal state.
func (e *Engine) Run(ctx context.Context, workflowID string) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.run",
		attribute.String(otelhelper.WorkflowIDKey, workflowID))
	defer span.End()

	for {
		workflow, err := e.store.WorkflowByID(ctx, workflowID)
		if err != nil {
			return err
		}

		if workflow.State.Terminal() || workflow.Cancelled {
			return nil
		}

		switch workflow.State {
		case models.StatePending:
			err = e.recordScanComplete(ctx, workflow)
		case models.StateScanningDone:
			err = e.beginAssessment(ctx, workflow)
		case models.StateRiskAssessment:
			err = e.runStep(ctx, workflow, models.StepKindRiskAssessment)
		case models.StateDecision:
			err = e.decide(ctx, workflow)
		case models.StateRemediation:
			if workflow.RunningStep() != nil {
				// Already dispatched; parked until results arrive.
				return nil
			}

			return e.beginRemediation(ctx, workflow)
		case models.StateAwaitingApproval, models.StateFailed:
			return nil
		default:
			return fmt.Errorf("workflow %s in unknown state %s", workflowID, workflow.State)
		}
		if err != nil {
			return err
		}
	}
}

// Cancel marks a workflow cancelled and fails it immediately. Any collaborator
// response arriving afterwards is logged and dropped. Terminal workflows
// cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, workflowID, requestedBy string) error {
	var from models.WorkflowState

	_, err := e.mutate(ctx, workflowID, func(workflow *models.Workflow) error {
		from = ""

		if workflow.State.Terminal() {
			return fmt.Errorf("%w: cannot cancel terminal state %s", ErrInvalidTransition, workflow.State)
		}

		if workflow.Cancelled {
			return errUnchanged
		}

		from = workflow.State
		workflow.Cancelled = true

		if step := workflow.RunningStep(); step != nil {
			finishStep(step, models.StepStatusFailed, "cancelled")
		}

		return forceFail(workflow)
	})
	if err != nil {
		return err
	}

	if from == "" {
		return nil
	}

	e.audit.Record(ctx, audit.Entry{
		Action:     models.AuditWorkflowCancelled,
		Actor:      requestedBy,
		WorkflowID: workflowID,
		Success:    true,
		Detail:     fmt.Sprintf("cancelled while %s", from),
	})

	e.publish(ctx, workflowID, events.WorkflowFailed{
		BaseEvent: e.newBase(events.WorkflowFailedEvent, workflowID),
		Error:     "cancelled",
	})

	e.logger.InfoContext(ctx, "Workflow cancelled",
		"workflow_id", workflowID,
		"requested_by", requestedBy,
		"was", from,
	)

	return nil
}

// mutate loads the workflow, applies fn, and saves through the store's
// version check. On ErrVersionConflict it reloads and recomputes, so fn must
// re-validate its preconditions on every invocation; fn returns errUnchanged
// to abort without saving.
func (e *Engine) mutate(ctx context.Context, workflowID string, fn func(workflow *models.Workflow) error) (*models.Workflow, error) {
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		workflow, err := e.store.WorkflowByID(ctx, workflowID)
		if err != nil {
			return nil, err
		}

		err = fn(workflow)
		if errors.Is(err, errUnchanged) {
			return workflow, nil
		}

		if err != nil {
			return nil, err
		}

		err = e.store.SaveWorkflow(ctx, workflow, workflow.Version)
		if err == nil {
			return workflow, nil
		}

		if !store.IsVersionConflict(err) {
			return nil, err
		}

		e.logger.WarnContext(ctx, "Version conflict, recomputing",
			"workflow_id", workflowID,
			"attempt", attempt,
		)
	}

	return nil, fmt.Errorf("failed to save workflow %s: gave up after %d version conflicts", workflowID, saveAttempts)
}

// recordScanComplete acknowledges ingested findings: pending -> scanning_done.
func (e *Engine) recordScanComplete(ctx context.Context, workflow *models.Workflow) error {
	var applied bool

	updated, err := e.mutate(ctx, workflow.ID, func(workflow *models.Workflow) error {
		applied = false

		if workflow.State != models.StatePending {
			return errUnchanged
		}

		workflow.TotalVulnerabilities = len(workflow.VulnerabilityIDs)
		applied = true

		return transition(workflow, models.StateScanningDone)
	})
	if err != nil {
		return err
	}

	if !applied {
		// Another instance already applied the transition; it owns the audit
		// entry and the event.
		return nil
	}

	e.announceTransition(ctx, updated, models.StatePending, "")

	return nil
}

func (e *Engine) runStep(ctx context.Context, workflow *models.Workflow, kind models.StepKind) error {
	step := workflow.RunningStep()
	if step == nil || step.Kind != kind {
		return fmt.Errorf("workflow %s in state %s has no running %s step", workflow.ID, workflow.State, kind)
	}

	return e.handlers[kind](ctx, workflow, step)
}

// announceTransition records the generic transition fact and publishes the
// matching events. Specific facts (assessments, decisions, approvals,
// remediations) are audited separately at their sites.
func (e *Engine) announceTransition(ctx context.Context, workflow *models.Workflow, from models.WorkflowState, detail string) {
	if detail == "" {
		detail = fmt.Sprintf("%s -> %s", from, workflow.State)
	}

	e.audit.Record(ctx, audit.Entry{
		Action:     models.AuditWorkflowTransitioned,
		WorkflowID: workflow.ID,
		Success:    true,
		Detail:     detail,
	})

	e.publish(ctx, workflow.ID, events.WorkflowTransitioned{
		BaseEvent: e.newBase(events.WorkflowTransitionedEvent, workflow.ID),
		From:      from,
		To:        workflow.State,
	})

	e.logger.InfoContext(ctx, "Workflow transitioned",
		"workflow_id", workflow.ID,
		"from", from,
		"to", workflow.State,
	)
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	err := e.publisher.Publish(ctx, key, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(),
			"error", err,
		)
	}
}

func (e *Engine) newBase(eventType events.EventType, workflowID string) events.BaseEvent {
	return events.BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
	}
}

func finishStep(step *models.WorkflowStep, status models.StepStatus, errMsg string) {
	now := time.Now().UTC()
	step.Status = status
	step.Error = errMsg
	step.FinishedAt = &now
}

func newStep(kind models.StepKind) *models.WorkflowStep {
	now := time.Now().UTC()

	return &models.WorkflowStep{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    models.StepStatusRunning,
		StartedAt: &now,
	}
}
