package engine

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflow-io/secflow/pkg/a2a"
	"github.com/secflow-io/secflow/pkg/approval"
	"github.com/secflow-io/secflow/pkg/audit"
	"github.com/secflow-io/secflow/pkg/models"
	"github.com/secflow-io/secflow/pkg/notify"
	"github.com/secflow-io/secflow/pkg/store"
	"github.com/secflow-io/secflow/pkg/store/file"
)

// downClient answers nothing: every call fails as unreachable, forcing the
// degraded assessment path.
type downClient struct{}

func (downClient) Call(context.Context, string, a2a.Envelope) (*a2a.Envelope, error) {
	return nil, a2a.ErrUnreachable
}

func (downClient) Enqueue(context.Context, string, string, a2a.Envelope, time.Duration) error {
	return nil
}

func newRecomputeEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()

	st, err := file.NewStore(t.TempDir())
	require.NoError(t, err)

	logger := slog.Default()
	recorder := audit.NewRecorder(st, logger)
	gate := approval.NewGate(st, recorder, notify.NewNotifier("", logger), time.Hour, logger)

	eng, err := NewEngine(st, downClient{}, gate, recorder, nil, DefaultConfig(), logger)
	require.NoError(t, err)

	return eng, st
}

func seedRecomputeWorkflow(t *testing.T, st store.Store, state models.WorkflowState) *models.Workflow {
	t.Helper()

	ctx := context.Background()

	vuln := &models.Vulnerability{
		ID:             "vuln-1",
		Source:         models.SourceDependency,
		Title:          "Vulnerable transitive dependency",
		Severity:       8.0,
		Component:      "billing-service",
		HasFixTemplate: true,
	}
	require.NoError(t, st.SaveVulnerability(ctx, vuln))

	workflow := &models.Workflow{
		ID:               uuid.New().String(),
		State:            state,
		Repository:       "acme/payments",
		VulnerabilityIDs: []string{vuln.ID},
		TriggeredBy:      "scanner",
	}
	require.NoError(t, st.CreateWorkflow(ctx, workflow))

	return workflow
}

func countAction(t *testing.T, st store.Store, workflowID string, action models.AuditAction) int {
	t.Helper()

	entries, err := st.AuditEntries(context.Background(), store.AuditFilter{WorkflowID: workflowID})
	require.NoError(t, err)

	count := 0

	for _, entry := range entries {
		if entry.Action == action {
			count++
		}
	}

	return count
}

// A second caller holding a stale snapshot must not announce a transition the
// first caller already applied: the recompute sees the work done and backs
// off without auditing or publishing.
func TestRecordScanCompleteRecomputeAuditsOnce(t *testing.T) {
	t.Parallel()

	eng, st := newRecomputeEngine(t)
	ctx := context.Background()
	workflow := seedRecomputeWorkflow(t, st, models.StatePending)

	stale := *workflow

	require.NoError(t, eng.recordScanComplete(ctx, workflow))
	require.Equal(t, 1, countAction(t, st, workflow.ID, models.AuditWorkflowTransitioned))

	require.NoError(t, eng.recordScanComplete(ctx, &stale))
	assert.Equal(t, 1, countAction(t, st, workflow.ID, models.AuditWorkflowTransitioned))
}

func TestBeginAssessmentRecomputeAuditsOnce(t *testing.T) {
	t.Parallel()

	eng, st := newRecomputeEngine(t)
	ctx := context.Background()
	workflow := seedRecomputeWorkflow(t, st, models.StateScanningDone)

	stale := *workflow

	require.NoError(t, eng.beginAssessment(ctx, workflow))
	require.NoError(t, eng.beginAssessment(ctx, &stale))

	updated, err := st.WorkflowByID(ctx, workflow.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StateRiskAssessment, updated.State)
	assert.Len(t, updated.Steps, 1, "the losing recompute must not open a second step")
	assert.Equal(t, 1, countAction(t, st, workflow.ID, models.AuditWorkflowTransitioned))
}

func TestRunRiskAssessmentRecomputeAuditsOnce(t *testing.T) {
	t.Parallel()

	eng, st := newRecomputeEngine(t)
	ctx := context.Background()
	workflow := seedRecomputeWorkflow(t, st, models.StateScanningDone)

	require.NoError(t, eng.beginAssessment(ctx, workflow))

	assessing, err := st.WorkflowByID(ctx, workflow.ID)
	require.NoError(t, err)

	step := assessing.RunningStep()
	require.NotNil(t, step)

	stale := *assessing

	require.NoError(t, eng.runRiskAssessment(ctx, assessing, step))
	require.Equal(t, 1, countAction(t, st, workflow.ID, models.AuditAssessmentDegraded))

	// Replaying the handler against the already-finished step records nothing.
	require.NoError(t, eng.runRiskAssessment(ctx, &stale, step))
	assert.Equal(t, 1, countAction(t, st, workflow.ID, models.AuditAssessmentDegraded))
}
