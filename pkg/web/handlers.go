// Package web provides the REST surface: scan-report ingestion, workflow
// queries, approval resolution, cancellation, and the remediation callback.
// State changes flow through the event bus as commands; the engine daemon is
// the only writer of workflow transitions.
package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/secflow-io/secflow/pkg/audit"
	"github.com/secflow-io/secflow/pkg/eventbus"
	"github.com/secflow-io/secflow/pkg/events"
	"github.com/secflow-io/secflow/pkg/models"
	"github.com/secflow-io/secflow/pkg/store"
)

type APIHandlers struct {
	store     store.Store
	audit     *audit.Recorder
	publisher eventbus.EventPublisher
	validator *validator.Validate
	schema    *gojsonschema.Schema
	logger    *slog.Logger
}

func NewAPIHandlers(
	st store.Store,
	recorder *audit.Recorder,
	publisher eventbus.EventPublisher,
	validate *validator.Validate,
	logger *slog.Logger,
) (*APIHandlers, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(ingestSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile ingest schema: %w", err)
	}

	return &APIHandlers{
		store:     st,
		audit:     recorder,
		publisher: publisher,
		validator: validate,
		schema:    schema,
		logger:    logger.With("module", "web"),
	}, nil
}

// CreateWorkflow ingests a scan report: findings are recorded, a pending
// workflow is opened, and a workflow.created command is published for the
// engine.
func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	body := c.Body()

	result, err := h.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return badRequest(c, "invalid JSON: "+err.Error())
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return badRequest(c, strings.Join(details, "; "))
	}

	var req IngestRequest

	err = json.Unmarshal(body, &req)
	if err != nil {
		return badRequest(c, "invalid JSON: "+err.Error())
	}

	err = h.validator.Struct(req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	now := time.Now().UTC()
	workflow := &models.Workflow{
		ID:          uuid.New().String(),
		State:       models.StatePending,
		Repository:  req.Repository,
		Branch:      req.Branch,
		TriggeredBy: req.TriggeredBy,
	}

	for _, finding := range req.Vulnerabilities {
		vuln := &models.Vulnerability{
			ID:             uuid.New().String(),
			Source:         models.VulnerabilitySource(finding.Source),
			CVEID:          finding.CVEID,
			Title:          finding.Title,
			Severity:       finding.Severity,
			Component:      finding.Component,
			ArtifactRef:    finding.ArtifactRef,
			HasFixTemplate: finding.HasFixTemplate,
			Sensitive:      finding.Sensitive,
			DetectedAt:     now,
		}

		err = h.store.SaveVulnerability(c.Context(), vuln)
		if err != nil {
			return internalError(c, err)
		}

		workflow.VulnerabilityIDs = append(workflow.VulnerabilityIDs, vuln.ID)
	}

	workflow.TotalVulnerabilities = len(workflow.VulnerabilityIDs)

	err = h.store.CreateWorkflow(c.Context(), workflow)
	if err != nil {
		return handleStoreError(c, err)
	}

	h.audit.Record(c.Context(), audit.Entry{
		Action:     models.AuditWorkflowCreated,
		Actor:      req.TriggeredBy,
		WorkflowID: workflow.ID,
		Success:    true,
		Detail:     fmt.Sprintf("%d findings in %s", len(workflow.VulnerabilityIDs), workflow.Repository),
	})

	h.publishEvent(c, workflow.ID, events.WorkflowCreated{
		BaseEvent:   h.newBase(events.WorkflowCreatedEvent, workflow.ID),
		TriggeredBy: req.TriggeredBy,
	})

	h.logger.InfoContext(c.Context(), "Workflow created",
		"workflow_id", workflow.ID,
		"repository", workflow.Repository,
		"findings", len(workflow.VulnerabilityIDs),
	)

	return c.Status(fiber.StatusCreated).JSON(workflow)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	opts, err := parseListOptions(c)
	if err != nil {
		return badRequest(c, "invalid query parameters: "+err.Error())
	}

	result, err := h.store.ListWorkflows(c.Context(), opts)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":     result.Workflows,
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  opts.Limit,
			"offset": opts.Offset,
		},
	})
}

func parseListOptions(c fiber.Ctx) (store.ListWorkflowsOptions, error) {
	opts := store.ListWorkflowsOptions{Repository: c.Query("repository")}

	if stateStr := c.Query("state"); stateStr != "" {
		state := models.WorkflowState(stateStr)
		opts.State = &state
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return opts, err
		}

		opts.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return opts, err
		}

		opts.Offset = offset
	}

	return opts, nil
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "workflow ID is required")
	}

	workflow, err := h.store.WorkflowByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(workflow)
}

// CancelWorkflow publishes a cancel command. The engine performs the actual
// transition; a terminal workflow is rejected here for fast feedback.
func (h *APIHandlers) CancelWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "workflow ID is required")
	}

	var req CancelRequest

	err := c.Bind().Body(&req)
	if err != nil {
		return badRequest(c, "invalid JSON: "+err.Error())
	}

	err = h.validator.Struct(req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	workflow, err := h.store.WorkflowByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	if workflow.State.Terminal() {
		return conflict(c, fmt.Sprintf("workflow is already %s", workflow.State))
	}

	if workflow.Cancelled {
		return conflict(c, "workflow is already cancelled")
	}

	h.publishEvent(c, id, events.WorkflowCancelRequested{
		BaseEvent:   h.newBase(events.WorkflowCancelRequestedEvent, id),
		RequestedBy: req.RequestedBy,
	})

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "cancel requested"})
}

func (h *APIHandlers) GetWorkflowDecisions(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "workflow ID is required")
	}

	// 404 for unknown workflows rather than an empty list.
	_, err := h.store.WorkflowByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	decisions, err := h.store.DecisionsByWorkflowID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(fiber.Map{"decisions": decisions})
}

func (h *APIHandlers) GetAuditEntries(c fiber.Ctx) error {
	filter := store.AuditFilter{
		WorkflowID:      c.Query("workflow_id"),
		VulnerabilityID: c.Query("vulnerability_id"),
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return badRequest(c, "invalid limit: "+err.Error())
		}

		filter.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return badRequest(c, "invalid offset: "+err.Error())
		}

		filter.Offset = offset
	}

	if sinceStr := c.Query("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			return badRequest(c, "invalid since timestamp: "+err.Error())
		}

		filter.Since = since
	}

	if untilStr := c.Query("until"); untilStr != "" {
		until, err := time.Parse(time.RFC3339, untilStr)
		if err != nil {
			return badRequest(c, "invalid until timestamp: "+err.Error())
		}

		filter.Until = until
	}

	entries, err := h.store.AuditEntries(c.Context(), filter)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(fiber.Map{"entries": entries})
}

func (h *APIHandlers) GetApproval(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "approval ID is required")
	}

	stored, err := h.store.ApprovalByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(stored)
}

// ResolveApproval publishes a resolution command. The engine's approval gate
// is the exactly-once authority; the status check here only front-runs the
// common duplicate case with a synchronous 409.
func (h *APIHandlers) ResolveApproval(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "approval ID is required")
	}

	var req ResolveApprovalRequest

	err := c.Bind().Body(&req)
	if err != nil {
		return badRequest(c, "invalid JSON: "+err.Error())
	}

	err = h.validator.Struct(req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	stored, err := h.store.ApprovalByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	if stored.Resolved() {
		return conflict(c, fmt.Sprintf("approval is already %s", stored.Status))
	}

	h.publishEvent(c, stored.WorkflowID, events.ApprovalResolved{
		BaseEvent:  h.newBase(events.ApprovalResolvedEvent, stored.WorkflowID),
		ApprovalID: id,
		Approved:   *req.Approved,
		Resolver:   req.Resolver,
		Comment:    req.Comment,
	})

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "resolution submitted"})
}

// RemediationCallback receives collaborator results over HTTP. The result is
// forwarded to the engine as an event; replays collapse there by
// correlation id.
func (h *APIHandlers) RemediationCallback(c fiber.Ctx) error {
	var req RemediationCallback

	err := c.Bind().Body(&req)
	if err != nil {
		return badRequest(c, "invalid JSON: "+err.Error())
	}

	err = h.validator.Struct(req)
	if err != nil {
		return badRequest(c, err.Error())
	}

	workflowID, _, ok := strings.Cut(req.CorrelationID, ":")
	if !ok || workflowID == "" {
		return badRequest(c, "malformed correlation_id")
	}

	h.publishEvent(c, workflowID, events.RemediationResultReceived{
		BaseEvent: h.newBase(events.RemediationResultEvent, workflowID),
		Result:    req.toResult(),
	})

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "result accepted"})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	err := h.store.HealthCheck(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}

	return c.JSON(fiber.Map{"status": "healthy"})
}

func (h *APIHandlers) publishEvent(c fiber.Ctx, key string, event eventbus.Event) {
	err := h.publisher.Publish(c.Context(), key, event)
	if err != nil {
		h.logger.ErrorContext(c.Context(), "Failed to publish event",
			"event_type", event.GetType(),
			"error", err,
		)
	}
}

func (h *APIHandlers) newBase(eventType events.EventType, workflowID string) events.BaseEvent {
	return events.BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
	}
}
