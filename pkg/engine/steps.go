package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/secflow-io/secflow/pkg/a2a"
	"github.com/secflow-io/secflow/pkg/audit"
	"github.com/secflow-io/secflow/pkg/decision"
	"github.com/secflow-io/secflow/pkg/events"
	"github.com/secflow-io/secflow/pkg/models"
)

// degradedConfidence is the confidence stamped on locally computed fallback
// assessments. It sits below every sane policy bar, so degraded findings
// always route to a human.
const degradedConfidence = 0.1

// remediationPlan is the persisted input of a remediation step: the findings
// the step must see a result for before the workflow can complete.
type remediationPlan struct {
	VulnerabilityIDs []string `json:"vulnerability_ids"`
}

// remediationOutcome accumulates per-finding results as they arrive.
type remediationOutcome struct {
	Results map[string]a2a.RemediationResult `json:"results"`
}

// stepCorrelationID derives the deterministic correlation id for a step's
// outbound call. Reissuing the call after a crash reuses the same id, so the
// collaborator's idempotency contract applies.
func stepCorrelationID(workflowID, stepID string) string {
	return workflowID + ":" + stepID
}

// remediationCorrelationID extends a step's correlation id with the finding
// it covers; one queue message per finding, each individually correlatable.
func remediationCorrelationID(stepCorrelationID, vulnerabilityID string) string {
	return stepCorrelationID + ":" + vulnerabilityID
}

// parseRemediationCorrelationID recovers workflow, step, and finding from a
// result's correlation id.
func parseRemediationCorrelationID(correlationID string) (workflowID, stepID, vulnerabilityID string, err error) {
	parts := strings.SplitN(correlationID, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("malformed remediation correlation id %q", correlationID)
	}

	return parts[0], parts[1], parts[2], nil
}

// fixTypeFor maps a finding source to the remediation collaborator's fix
// template family.
func fixTypeFor(source models.VulnerabilitySource) string {
	switch source {
	case models.SourceDependency:
		return "dependency_upgrade"
	case models.SourceSecret:
		return "secret_rotation"
	case models.SourceContainer:
		return "base_image_update"
	case models.SourceIaC:
		return "configuration_patch"
	default:
		return "manual"
	}
}

// beginAssessment opens the risk-assessment step. The step and its
// correlation id are persisted in the same save as the state transition, so
// the outbound call can always be reissued with the same id.
func (e *Engine) beginAssessment(ctx context.Context, workflow *models.Workflow) error {
	var applied bool

	updated, err := e.mutate(ctx, workflow.ID, func(workflow *models.Workflow) error {
		applied = false

		if workflow.State != models.StateScanningDone {
			return errUnchanged
		}

		step := newStep(models.StepKindRiskAssessment)
		step.CorrelationID = stepCorrelationID(workflow.ID, step.ID)
		workflow.Steps = append(workflow.Steps, step)
		applied = true

		return transition(workflow, models.StateRiskAssessment)
	})
	if err != nil {
		return err
	}

	if !applied {
		return nil
	}

	e.announceTransition(ctx, updated, models.StateScanningDone, "")

	return nil
}

// runRiskAssessment performs the assessment call and applies its result.
// Collaborator failure never stalls the workflow: after the resilience layer
// gives up, a degraded assessment is computed locally from raw severity and
// the workflow proceeds to decision, where low confidence routes it to a
// human.
func (e *Engine) runRiskAssessment(ctx context.Context, workflow *models.Workflow, step *models.WorkflowStep) error {
	vulns, err := e.loadVulnerabilities(ctx, workflow)
	if err != nil {
		return err
	}

	assessments, degraded, callErr := e.assess(ctx, workflow, step, vulns)

	action := models.AuditAssessmentCompleted
	detail := fmt.Sprintf("%d findings assessed", len(assessments))

	if degraded {
		action = models.AuditAssessmentDegraded
		detail = fmt.Sprintf("local fallback after collaborator failure: %v", callErr)

		e.logger.WarnContext(ctx, "Risk assessment degraded to local fallback",
			"workflow_id", workflow.ID,
			"error", callErr,
		)
	}

	output, err := json.Marshal(assessments)
	if err != nil {
		return fmt.Errorf("failed to marshal assessments: %w", err)
	}

	var applied bool

	updated, err := e.mutate(ctx, workflow.ID, func(workflow *models.Workflow) error {
		applied = false

		if workflow.State != models.StateRiskAssessment {
			return errUnchanged
		}

		current := stepByID(workflow, step.ID)
		if current == nil || current.Status.Terminal() {
			return errUnchanged
		}

		current.Output = output
		finishStep(current, models.StepStatusSucceeded, "")

		workflow.CriticalCount = countPriority(assessments, models.PriorityP0)
		workflow.HighCount = countPriority(assessments, models.PriorityP1)
		applied = true

		return transition(workflow, models.StateDecision)
	})
	if err != nil {
		return err
	}

	if !applied {
		return nil
	}

	e.audit.Record(ctx, audit.Entry{
		Action:     action,
		WorkflowID: workflow.ID,
		Success:    !degraded,
		Detail:     detail,
	})

	e.announceTransition(ctx, updated, models.StateRiskAssessment, "")

	return nil
}

// assess calls the risk-assessment collaborator. Any finding the response
// does not cover, or the whole batch when the call fails, gets a degraded
// local assessment instead.
func (e *Engine) assess(ctx context.Context, workflow *models.Workflow, step *models.WorkflowStep, vulns []*models.Vulnerability) ([]*models.RiskAssessment, bool, error) {
	request := a2a.AssessmentRequest{
		Repository:      workflow.Repository,
		Vulnerabilities: make([]a2a.VulnerabilitySummary, 0, len(vulns)),
	}

	for _, vuln := range vulns {
		request.Vulnerabilities = append(request.Vulnerabilities, a2a.VulnerabilitySummary{
			ID:        vuln.ID,
			CVEID:     vuln.CVEID,
			Title:     vuln.Title,
			Severity:  vuln.Severity,
			Component: vuln.Component,
			Source:    string(vuln.Source),
		})
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal assessment request: %w", err)
	}

	envelope := a2a.NewEnvelope(senderName, e.config.RiskTarget, step.CorrelationID, payload)

	response, err := e.client.Call(ctx, e.config.RiskTarget, envelope)
	if err != nil {
		return e.degradedAssessments(vulns, err), true, err
	}

	var parsed a2a.AssessmentResponse

	err = json.Unmarshal(response.Payload, &parsed)
	if err != nil {
		err = fmt.Errorf("failed to decode assessment response: %w", err)

		return e.degradedAssessments(vulns, err), true, err
	}

	byID := make(map[string]a2a.AssessmentItem, len(parsed.Assessments))
	for _, item := range parsed.Assessments {
		byID[item.VulnerabilityID] = item
	}

	now := time.Now().UTC()
	assessments := make([]*models.RiskAssessment, 0, len(vulns))

	for _, vuln := range vulns {
		item, ok := byID[vuln.ID]
		if !ok {
			assessments = append(assessments, e.degradedAssessment(vuln, errors.New("missing from assessment response"), now))

			continue
		}

		assessments = append(assessments, &models.RiskAssessment{
			VulnerabilityID: vuln.ID,
			Priority:        models.Priority(item.Priority),
			Confidence:      item.Confidence,
			Rationale:       item.Rationale,
			AssessedAt:      now,
		})
	}

	return assessments, false, nil
}

func (e *Engine) degradedAssessments(vulns []*models.Vulnerability, cause error) []*models.RiskAssessment {
	now := time.Now().UTC()
	assessments := make([]*models.RiskAssessment, 0, len(vulns))

	for _, vuln := range vulns {
		assessments = append(assessments, e.degradedAssessment(vuln, cause, now))
	}

	return assessments
}

func (e *Engine) degradedAssessment(vuln *models.Vulnerability, cause error, now time.Time) *models.RiskAssessment {
	return &models.RiskAssessment{
		VulnerabilityID: vuln.ID,
		Priority:        e.config.Policy.PriorityFromSeverity(vuln.Severity),
		Confidence:      degradedConfidence,
		Rationale:       fmt.Sprintf("risk assessment unavailable: %v", cause),
		Degraded:        true,
		AssessedAt:      now,
	}
}

// decide evaluates every finding against the policy, appends the decision
// records, and routes the workflow: any human_approval verdict parks it at
// the approval gate, otherwise auto_fix findings go to remediation, and a
// workflow of nothing but ignores terminates as ignored.
func (e *Engine) decide(ctx context.Context, workflow *models.Workflow) error {
	assessments, since, err := latestAssessments(workflow)
	if err != nil {
		return err
	}

	vulns, err := e.loadVulnerabilities(ctx, workflow)
	if err != nil {
		return err
	}

	existing, err := e.store.DecisionsByWorkflowID(ctx, workflow.ID)
	if err != nil {
		return fmt.Errorf("failed to load decisions: %w", err)
	}

	byVuln := make(map[string]*models.RiskAssessment, len(assessments))
	for _, assessment := range assessments {
		byVuln[assessment.VulnerabilityID] = assessment
	}

	var (
		humanIDs     []string
		autoIDs      []string
		humanHighest = models.PriorityP4
	)

	for _, vuln := range vulns {
		assessment, ok := byVuln[vuln.ID]
		if !ok {
			return fmt.Errorf("no assessment recorded for vulnerability %s", vuln.ID)
		}

		verdict := decidedSince(existing, vuln.ID, since)
		if verdict == nil {
			verdict = decision.Evaluate(vuln, assessment, e.config.Policy)
			verdict.WorkflowID = workflow.ID
			verdict.DecidedAt = time.Now().UTC()

			err = e.store.AppendDecision(ctx, verdict)
			if err != nil {
				return fmt.Errorf("failed to append decision: %w", err)
			}

			e.audit.Record(ctx, audit.Entry{
				Action:          models.AuditDecisionMade,
				WorkflowID:      workflow.ID,
				VulnerabilityID: vuln.ID,
				Success:         true,
				Detail:          fmt.Sprintf("%s: %s", verdict.Verdict, verdict.Reason),
			})
		}

		switch verdict.Verdict {
		case models.VerdictHumanApproval:
			humanIDs = append(humanIDs, vuln.ID)

			if higherPriority(assessment.Priority, humanHighest) {
				humanHighest = assessment.Priority
			}
		case models.VerdictAutoFix:
			autoIDs = append(autoIDs, vuln.ID)
		case models.VerdictIgnore:
		}
	}

	switch {
	case len(humanIDs) > 0:
		title := fmt.Sprintf("Review %d finding(s) in %s", len(humanIDs), workflow.Repository)

		return e.enterAwaitingApproval(ctx, workflow, models.StateDecision, title, humanHighest, humanIDs)
	case len(autoIDs) > 0:
		return e.leaveDecision(ctx, workflow.ID, models.StateRemediation, "")
	default:
		return e.leaveDecision(ctx, workflow.ID, models.StateIgnored, "all findings ignored by policy")
	}
}

// leaveDecision routes a workflow out of the decision state. The race loser
// of a concurrent recompute announces nothing; the winner owns the audit
// entry and the event.
func (e *Engine) leaveDecision(ctx context.Context, workflowID string, to models.WorkflowState, detail string) error {
	var applied bool

	updated, err := e.mutate(ctx, workflowID, func(workflow *models.Workflow) error {
		applied = false

		if workflow.State != models.StateDecision {
			return errUnchanged
		}

		applied = true

		return transition(workflow, to)
	})
	if err != nil {
		return err
	}

	if !applied {
		return nil
	}

	e.announceTransition(ctx, updated, models.StateDecision, detail)

	return nil
}

// enterAwaitingApproval opens the human gate: an approval record with a
// persisted expiry deadline plus an approval_wait step correlated to it.
func (e *Engine) enterAwaitingApproval(ctx context.Context, workflow *models.Workflow, from models.WorkflowState, title string, priority models.Priority, vulnerabilityIDs []string) error {
	// Reuse a pending approval if one exists, so a crash between approval
	// creation and the state save does not pile up duplicates.
	pending, err := e.store.ApprovalByWorkflowID(ctx, workflow.ID)
	if err == nil && pending.Resolved() {
		pending = nil
	} else if err != nil {
		pending = nil
	}

	if pending == nil {
		pending, err = e.gate.Request(ctx, workflow.ID, title, priority, vulnerabilityIDs)
		if err != nil {
			return fmt.Errorf("failed to request approval: %w", err)
		}
	}

	var applied bool

	updated, err := e.mutate(ctx, workflow.ID, func(workflow *models.Workflow) error {
		applied = false

		if workflow.State != from {
			return errUnchanged
		}

		step := newStep(models.StepKindApprovalWait)
		step.CorrelationID = pending.ID
		workflow.Steps = append(workflow.Steps, step)
		applied = true

		return transition(workflow, models.StateAwaitingApproval)
	})
	if err != nil {
		return err
	}

	if !applied {
		return nil
	}

	e.publish(ctx, workflow.ID, events.ApprovalRequested{
		BaseEvent:  e.newBase(events.ApprovalRequestedEvent, workflow.ID),
		ApprovalID: pending.ID,
		Priority:   priority,
		ExpiresAt:  pending.ExpiresAt,
	})

	e.announceTransition(ctx, updated, from, "")

	return nil
}

// beginRemediation opens the remediation step and dispatches one queue
// message per finding. The plan and the correlation id are persisted before
// anything is enqueued.
func (e *Engine) beginRemediation(ctx context.Context, workflow *models.Workflow) error {
	plan, err := e.remediationTargets(ctx, workflow)
	if err != nil {
		return err
	}

	input, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal remediation plan: %w", err)
	}

	var step *models.WorkflowStep

	updated, err := e.mutate(ctx, workflow.ID, func(workflow *models.Workflow) error {
		step = nil

		if workflow.State != models.StateRemediation || workflow.RunningStep() != nil {
			return errUnchanged
		}

		step = newStep(models.StepKindRemediation)
		step.CorrelationID = stepCorrelationID(workflow.ID, step.ID)
		step.Input = input
		workflow.Steps = append(workflow.Steps, step)

		return nil
	})
	if err != nil {
		return err
	}

	if step == nil {
		// Another instance opened the step; its dispatch owns delivery.
		return nil
	}

	return e.dispatchRemediation(ctx, updated, step)
}

// dispatchRemediation enqueues fix requests for every finding in the step's
// plan that has no recorded result yet. Reissue-safe: correlation ids are
// deterministic, so duplicates collapse at the collaborator.
func (e *Engine) dispatchRemediation(ctx context.Context, workflow *models.Workflow, step *models.WorkflowStep) error {
	var plan remediationPlan

	err := json.Unmarshal(step.Input, &plan)
	if err != nil {
		return fmt.Errorf("failed to decode remediation plan: %w", err)
	}

	var outcome remediationOutcome
	if len(step.Output) > 0 {
		err = json.Unmarshal(step.Output, &outcome)
		if err != nil {
			return fmt.Errorf("failed to decode remediation outcome: %w", err)
		}
	}

	repositoryRef := workflow.Repository
	if workflow.Branch != "" {
		repositoryRef += "@" + workflow.Branch
	}

	for _, vulnID := range plan.VulnerabilityIDs {
		if _, done := outcome.Results[vulnID]; done {
			continue
		}

		vuln, err := e.store.VulnerabilityByID(ctx, vulnID)
		if err != nil {
			return fmt.Errorf("failed to load vulnerability %s: %w", vulnID, err)
		}

		correlationID := remediationCorrelationID(step.CorrelationID, vulnID)

		payload, err := json.Marshal(a2a.RemediationRequest{
			VulnerabilityID: vulnID,
			FixType:         fixTypeFor(vuln.Source),
			RepositoryRef:   repositoryRef,
			CorrelationID:   correlationID,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal remediation request: %w", err)
		}

		envelope := a2a.NewEnvelope(senderName, e.config.RemediationTarget, correlationID, payload)

		err = e.client.Enqueue(ctx, e.config.RemediationTarget, e.config.RemediationQueue, envelope, e.config.RemediationTTL)
		if err != nil {
			if a2a.Retryable(err) {
				// The queue is down or the breaker is open. The step stays
				// running with its persisted correlation id; the recovery
				// sweep redispatches once the breaker allows traffic again.
				e.logger.WarnContext(ctx, "Remediation dispatch deferred",
					"workflow_id", workflow.ID,
					"vulnerability_id", vulnID,
					"error", err,
				)

				return nil
			}

			return e.failDispatch(ctx, workflow, step, fmt.Errorf("failed to enqueue remediation for %s: %w", vulnID, err))
		}

		e.audit.Record(ctx, audit.Entry{
			Action:          models.AuditRemediationDispatched,
			WorkflowID:      workflow.ID,
			VulnerabilityID: vulnID,
			Success:         true,
			Detail:          fixTypeFor(vuln.Source),
		})
	}

	e.logger.InfoContext(ctx, "Remediation dispatched",
		"workflow_id", workflow.ID,
		"findings", len(plan.VulnerabilityIDs),
	)

	return nil
}

// failDispatch records an undeliverable remediation and fails the workflow,
// handing it to the retry machinery.
func (e *Engine) failDispatch(ctx context.Context, workflow *models.Workflow, step *models.WorkflowStep, cause error) error {
	var applied bool

	updated, err := e.mutate(ctx, workflow.ID, func(workflow *models.Workflow) error {
		applied = false

		if workflow.State != models.StateRemediation {
			return errUnchanged
		}

		current := stepByID(workflow, step.ID)
		if current == nil || current.Status.Terminal() {
			return errUnchanged
		}

		finishStep(current, models.StepStatusFailed, cause.Error())
		applied = true

		return transition(workflow, models.StateFailed)
	})
	if err != nil {
		return err
	}

	if !applied {
		return nil
	}

	e.audit.Record(ctx, audit.Entry{
		Action:     models.AuditRemediationFailed,
		WorkflowID: workflow.ID,
		Success:    false,
		Detail:     cause.Error(),
	})

	e.announceTransition(ctx, updated, models.StateRemediation, "")

	return e.handleFailure(ctx, updated, cause.Error())
}

// checkApprovalWait reconciles a parked approval step with the stored
// approval. The event bus is the fast path for resolutions; this is the
// sweep's catch-up for anything the engine missed.
func (e *Engine) checkApprovalWait(ctx context.Context, workflow *models.Workflow, step *models.WorkflowStep) error {
	stored, err := e.store.ApprovalByID(ctx, step.CorrelationID)
	if err != nil {
		return fmt.Errorf("failed to load approval %s: %w", step.CorrelationID, err)
	}

	if !stored.Resolved() {
		return nil
	}

	return e.applyApprovalOutcome(ctx, stored)
}

// remediationTargets computes the remediation plan from the latest decision
// per finding: everything not ignored gets fixed. A workflow only reaches
// remediation once human_approval verdicts, if any, were approved.
func (e *Engine) remediationTargets(ctx context.Context, workflow *models.Workflow) (remediationPlan, error) {
	decisions, err := e.store.DecisionsByWorkflowID(ctx, workflow.ID)
	if err != nil {
		return remediationPlan{}, fmt.Errorf("failed to load decisions: %w", err)
	}

	latest := make(map[string]*models.Decision)
	for _, d := range decisions {
		prior, ok := latest[d.VulnerabilityID]
		if !ok || d.Sequence > prior.Sequence {
			latest[d.VulnerabilityID] = d
		}
	}

	var plan remediationPlan

	for _, vulnID := range workflow.VulnerabilityIDs {
		d, ok := latest[vulnID]
		if !ok {
			return remediationPlan{}, fmt.Errorf("no decision recorded for vulnerability %s", vulnID)
		}

		if d.Verdict != models.VerdictIgnore {
			plan.VulnerabilityIDs = append(plan.VulnerabilityIDs, vulnID)
		}
	}

	if len(plan.VulnerabilityIDs) == 0 {
		return remediationPlan{}, fmt.Errorf("workflow %s reached remediation with nothing to fix", workflow.ID)
	}

	return plan, nil
}

func (e *Engine) loadVulnerabilities(ctx context.Context, workflow *models.Workflow) ([]*models.Vulnerability, error) {
	vulns := make([]*models.Vulnerability, 0, len(workflow.VulnerabilityIDs))

	for _, id := range workflow.VulnerabilityIDs {
		vuln, err := e.store.VulnerabilityByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load vulnerability %s: %w", id, err)
		}

		vulns = append(vulns, vuln)
	}

	return vulns, nil
}

// latestAssessments decodes the newest succeeded risk-assessment step.
func latestAssessments(workflow *models.Workflow) ([]*models.RiskAssessment, time.Time, error) {
	var step *models.WorkflowStep

	for _, candidate := range workflow.Steps {
		if candidate.Kind == models.StepKindRiskAssessment && candidate.Status == models.StepStatusSucceeded {
			step = candidate
		}
	}

	if step == nil {
		return nil, time.Time{}, fmt.Errorf("workflow %s has no completed risk assessment", workflow.ID)
	}

	var assessments []*models.RiskAssessment

	err := json.Unmarshal(step.Output, &assessments)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode assessments: %w", err)
	}

	var since time.Time
	if step.StartedAt != nil {
		since = *step.StartedAt
	}

	return assessments, since, nil
}

// decidedSince returns the finding's decision from the current evaluation
// round, if one was already appended. Decisions from earlier rounds (before
// the latest assessment) do not count: a retried workflow is re-decided.
func decidedSince(decisions []*models.Decision, vulnerabilityID string, since time.Time) *models.Decision {
	var latest *models.Decision

	for _, d := range decisions {
		if d.VulnerabilityID != vulnerabilityID || d.DecidedAt.Before(since) {
			continue
		}

		if latest == nil || d.Sequence > latest.Sequence {
			latest = d
		}
	}

	return latest
}

func stepByID(workflow *models.Workflow, stepID string) *models.WorkflowStep {
	for _, step := range workflow.Steps {
		if step.ID == stepID {
			return step
		}
	}

	return nil
}

func countPriority(assessments []*models.RiskAssessment, priority models.Priority) int {
	count := 0

	for _, assessment := range assessments {
		if assessment.Priority == priority {
			count++
		}
	}

	return count
}

var priorityRank = map[models.Priority]int{
	models.PriorityP0: 0,
	models.PriorityP1: 1,
	models.PriorityP2: 2,
	models.PriorityP3: 3,
	models.PriorityP4: 4,
}

func higherPriority(a, b models.Priority) bool {
	return priorityRank[a] < priorityRank[b]
}
