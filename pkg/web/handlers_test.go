package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflow-io/secflow/pkg/audit"
	"github.com/secflow-io/secflow/pkg/eventbus"
	"github.com/secflow-io/secflow/pkg/events"
	"github.com/secflow-io/secflow/pkg/models"
	"github.com/secflow-io/secflow/pkg/store"
	"github.com/secflow-io/secflow/pkg/store/file"
	"github.com/secflow-io/secflow/pkg/web"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *capturingPublisher) published() []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]eventbus.Event(nil), p.events...)
}

func setupTestApp(t *testing.T) (*fiber.App, store.Store, *capturingPublisher) {
	t.Helper()

	st, err := file.NewStore(t.TempDir())
	require.NoError(t, err)

	logger := slog.Default()
	publisher := &capturingPublisher{}

	handlers, err := web.NewAPIHandlers(
		st,
		audit.NewRecorder(st, logger),
		publisher,
		validator.New(validator.WithRequiredStructEnabled()),
		logger,
	)
	require.NoError(t, err)

	app := fiber.New()

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflow)
	w.Get("/:id", handlers.GetWorkflow)
	w.Post("/:id/cancel", handlers.CancelWorkflow)
	w.Get("/:id/decisions", handlers.GetWorkflowDecisions)

	ap := app.Group("/approvals")
	ap.Get("/:id", handlers.GetApproval)
	ap.Post("/:id/resolve", handlers.ResolveApproval)

	app.Post("/callbacks/remediation", handlers.RemediationCallback)
	app.Get("/audit", handlers.GetAuditEntries)
	app.Get("/health", handlers.HealthCheck)

	return app, st, publisher
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()

	var reader *bytes.Reader

	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")

	return req
}

func validIngest() map[string]any {
	return map[string]any{
		"repository":   "acme/payments",
		"branch":       "main",
		"triggered_by": "trivy-scanner",
		"vulnerabilities": []map[string]any{
			{
				"source":           "dependency",
				"cve_id":           "CVE-2026-1234",
				"title":            "Vulnerable transitive dependency",
				"severity":         8.1,
				"component":        "billing-service",
				"has_fix_template": true,
			},
			{
				"source":    "secret",
				"title":     "Hardcoded credential",
				"severity":  9.4,
				"component": "auth-service",
				"sensitive": true,
			},
		},
	}
}

func TestCreateWorkflow(t *testing.T) {
	t.Parallel()

	app, st, publisher := setupTestApp(t)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/workflows/", validIngest()))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.Workflow

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, models.StatePending, created.State)
	assert.Equal(t, "acme/payments", created.Repository)
	assert.Len(t, created.VulnerabilityIDs, 2)
	assert.Equal(t, 2, created.TotalVulnerabilities)

	// Findings are persisted before the workflow is announced.
	for _, id := range created.VulnerabilityIDs {
		_, err := st.VulnerabilityByID(context.Background(), id)
		require.NoError(t, err)
	}

	published := publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, events.WorkflowCreatedEvent, published[0].GetType())

	entries, err := st.AuditEntries(context.Background(), store.AuditFilter{WorkflowID: created.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditWorkflowCreated, entries[0].Action)
	assert.Equal(t, "trivy-scanner", entries[0].Actor)
}

func TestCreateWorkflowValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(body map[string]any)
	}{
		{
			"missing repository",
			func(body map[string]any) { delete(body, "repository") },
		},
		{
			"empty vulnerabilities",
			func(body map[string]any) { body["vulnerabilities"] = []map[string]any{} },
		},
		{
			"unknown source",
			func(body map[string]any) {
				body["vulnerabilities"].([]map[string]any)[0]["source"] = "sast"
			},
		},
		{
			"severity out of range",
			func(body map[string]any) {
				body["vulnerabilities"].([]map[string]any)[0]["severity"] = 11.0
			},
		},
		{
			"missing triggered_by",
			func(body map[string]any) { delete(body, "triggered_by") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, _, publisher := setupTestApp(t)

			body := validIngest()
			tt.mutate(body)

			resp, err := app.Test(jsonRequest(t, http.MethodPost, "/workflows/", body))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Empty(t, publisher.published(), "a rejected report must not open a workflow")
		})
	}
}

func TestCreateWorkflowRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	app, _, _ := setupTestApp(t)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/workflows/", `{"repository": `))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetWorkflow(t *testing.T) {
	t.Parallel()

	app, st, _ := setupTestApp(t)

	workflow := &models.Workflow{
		ID:         "wf-1",
		State:      models.StateRemediation,
		Repository: "acme/payments",
	}
	require.NoError(t, st.CreateWorkflow(context.Background(), workflow))

	resp, err := app.Test(jsonRequest(t, http.MethodGet, "/workflows/wf-1", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loaded models.Workflow

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loaded))
	assert.Equal(t, models.StateRemediation, loaded.State)
}

func TestGetWorkflowNotFound(t *testing.T) {
	t.Parallel()

	app, _, _ := setupTestApp(t)

	resp, err := app.Test(jsonRequest(t, http.MethodGet, "/workflows/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetWorkflowsFiltersByState(t *testing.T) {
	t.Parallel()

	app, st, _ := setupTestApp(t)
	ctx := context.Background()

	require.NoError(t, st.CreateWorkflow(ctx, &models.Workflow{
		ID: "wf-pending", State: models.StatePending, Repository: "acme/payments",
	}))
	require.NoError(t, st.CreateWorkflow(ctx, &models.Workflow{
		ID: "wf-failed", State: models.StateFailed, Repository: "acme/payments",
	}))

	resp, err := app.Test(jsonRequest(t, http.MethodGet, "/workflows/?state=failed", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Workflows  []models.Workflow `json:"workflows"`
		TotalCount int               `json:"total_count"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Workflows, 1)
	assert.Equal(t, "wf-failed", result.Workflows[0].ID)
}

func TestCancelWorkflow(t *testing.T) {
	t.Parallel()

	app, st, publisher := setupTestApp(t)

	require.NoError(t, st.CreateWorkflow(context.Background(), &models.Workflow{
		ID: "wf-1", State: models.StateRemediation, Repository: "acme/payments",
	}))

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/workflows/wf-1/cancel", map[string]any{
		"requested_by": "ops@example.com",
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	published := publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, events.WorkflowCancelRequestedEvent, published[0].GetType())
}

func TestCancelWorkflowConflicts(t *testing.T) {
	t.Parallel()

	app, st, publisher := setupTestApp(t)
	ctx := context.Background()

	require.NoError(t, st.CreateWorkflow(ctx, &models.Workflow{
		ID: "wf-done", State: models.StateCompleted, Repository: "acme/payments",
	}))
	require.NoError(t, st.CreateWorkflow(ctx, &models.Workflow{
		ID: "wf-cancelled", State: models.StateFailed, Repository: "acme/payments", Cancelled: true,
	}))

	for _, id := range []string{"wf-done", "wf-cancelled"} {
		resp, err := app.Test(jsonRequest(t, http.MethodPost, "/workflows/"+id+"/cancel", map[string]any{
			"requested_by": "ops@example.com",
		}))
		require.NoError(t, err)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	}

	assert.Empty(t, publisher.published())
}

func TestCancelWorkflowRequiresRequester(t *testing.T) {
	t.Parallel()

	app, st, _ := setupTestApp(t)

	require.NoError(t, st.CreateWorkflow(context.Background(), &models.Workflow{
		ID: "wf-1", State: models.StatePending, Repository: "acme/payments",
	}))

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/workflows/wf-1/cancel", map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetWorkflowDecisions(t *testing.T) {
	t.Parallel()

	app, st, _ := setupTestApp(t)
	ctx := context.Background()

	require.NoError(t, st.CreateWorkflow(ctx, &models.Workflow{
		ID: "wf-1", State: models.StateDecision, Repository: "acme/payments",
	}))
	require.NoError(t, st.AppendDecision(ctx, &models.Decision{
		ID: "dec-1", WorkflowID: "wf-1", VulnerabilityID: "vuln-1", Verdict: models.VerdictAutoFix,
	}))

	resp, err := app.Test(jsonRequest(t, http.MethodGet, "/workflows/wf-1/decisions", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Decisions []models.Decision `json:"decisions"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Decisions, 1)
	assert.Equal(t, models.VerdictAutoFix, result.Decisions[0].Verdict)

	// Unknown workflow is a 404, not an empty list.
	resp, err = app.Test(jsonRequest(t, http.MethodGet, "/workflows/missing/decisions", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResolveApproval(t *testing.T) {
	t.Parallel()

	app, st, publisher := setupTestApp(t)

	require.NoError(t, st.SaveApproval(context.Background(), &models.Approval{
		ID:         "ap-1",
		WorkflowID: "wf-1",
		Status:     models.ApprovalPending,
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
	}))

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/approvals/ap-1/resolve", map[string]any{
		"resolver": "alice@example.com",
		"approved": true,
		"comment":  "reviewed the diff",
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	published := publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, events.ApprovalResolvedEvent, published[0].GetType())
}

func TestResolveApprovalConflictsWhenResolved(t *testing.T) {
	t.Parallel()

	app, st, publisher := setupTestApp(t)
	now := time.Now().UTC()

	require.NoError(t, st.SaveApproval(context.Background(), &models.Approval{
		ID:         "ap-1",
		WorkflowID: "wf-1",
		Status:     models.ApprovalApproved,
		ExpiresAt:  now.Add(time.Hour),
		ResolvedAt: &now,
	}))

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/approvals/ap-1/resolve", map[string]any{
		"resolver": "bob@example.com",
		"approved": false,
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Empty(t, publisher.published())
}

func TestResolveApprovalRequiresDecision(t *testing.T) {
	t.Parallel()

	app, st, _ := setupTestApp(t)

	require.NoError(t, st.SaveApproval(context.Background(), &models.Approval{
		ID:         "ap-1",
		WorkflowID: "wf-1",
		Status:     models.ApprovalPending,
		ExpiresAt:  time.Now().UTC().Add(time.Hour),
	}))

	// "approved" must be explicit; omitting it is not a rejection.
	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/approvals/ap-1/resolve", map[string]any{
		"resolver": "alice@example.com",
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRemediationCallback(t *testing.T) {
	t.Parallel()

	app, _, publisher := setupTestApp(t)

	resp, err := app.Test(jsonRequest(t, http.MethodPost, "/callbacks/remediation", map[string]any{
		"correlation_id":     "wf-1:step-1:vuln-1",
		"status":             "completed",
		"tests_passed":       true,
		"artifact_reference": "pr-42",
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	published := publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, events.RemediationResultEvent, published[0].GetType())
}

func TestRemediationCallbackValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body map[string]any
	}{
		{
			"missing correlation id",
			map[string]any{"status": "completed", "tests_passed": true},
		},
		{
			"unknown status",
			map[string]any{"correlation_id": "wf-1:step-1:vuln-1", "status": "partial"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, _, publisher := setupTestApp(t)

			resp, err := app.Test(jsonRequest(t, http.MethodPost, "/callbacks/remediation", tt.body))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Empty(t, publisher.published())
		})
	}
}

func TestGetAuditEntriesFilter(t *testing.T) {
	t.Parallel()

	app, st, _ := setupTestApp(t)
	ctx := context.Background()

	require.NoError(t, st.AppendAudit(ctx, &models.AuditEntry{
		ID: "au-1", Action: models.AuditWorkflowCreated, Actor: "scanner", WorkflowID: "wf-1", Success: true,
	}))
	require.NoError(t, st.AppendAudit(ctx, &models.AuditEntry{
		ID: "au-2", Action: models.AuditWorkflowCreated, Actor: "scanner", WorkflowID: "wf-2", Success: true,
	}))

	resp, err := app.Test(jsonRequest(t, http.MethodGet, "/audit?workflow_id=wf-1", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Entries []models.AuditEntry `json:"entries"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "wf-1", result.Entries[0].WorkflowID)

	resp, err = app.Test(jsonRequest(t, http.MethodGet, "/audit?since=not-a-timestamp", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetAuditEntriesTimeWindowAndOffset(t *testing.T) {
	t.Parallel()

	app, st, _ := setupTestApp(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"au-1", "au-2", "au-3"} {
		require.NoError(t, st.AppendAudit(ctx, &models.AuditEntry{
			ID:         id,
			Action:     models.AuditWorkflowCreated,
			Actor:      "scanner",
			WorkflowID: "wf-1",
			Success:    true,
			Timestamp:  base.Add(time.Duration(i) * time.Hour),
		}))
	}

	var result struct {
		Entries []models.AuditEntry `json:"entries"`
	}

	// until excludes the newest entry.
	until := base.Add(90 * time.Minute).Format(time.RFC3339)
	resp, err := app.Test(jsonRequest(t, http.MethodGet, "/audit?until="+until, nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Entries, 2)

	// offset skips the oldest entry.
	resp, err = app.Test(jsonRequest(t, http.MethodGet, "/audit?offset=1", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Entries, 2)
	assert.Equal(t, "au-2", result.Entries[0].ID)

	resp, err = app.Test(jsonRequest(t, http.MethodGet, "/audit?until=not-a-timestamp", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = app.Test(jsonRequest(t, http.MethodGet, "/audit?offset=abc", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	app, _, _ := setupTestApp(t)

	resp, err := app.Test(jsonRequest(t, http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
