package approval_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflow-io/secflow/pkg/approval"
	"github.com/secflow-io/secflow/pkg/audit"
	"github.com/secflow-io/secflow/pkg/models"
	"github.com/secflow-io/secflow/pkg/notify"
	"github.com/secflow-io/secflow/pkg/store"
	"github.com/secflow-io/secflow/pkg/store/file"
)

func setupGate(t *testing.T, ttl time.Duration) (*approval.Gate, store.Store) {
	t.Helper()

	st, err := file.NewStore(t.TempDir())
	require.NoError(t, err)

	logger := slog.Default()
	recorder := audit.NewRecorder(st, logger)
	notifier := notify.NewNotifier("", logger)

	return approval.NewGate(st, recorder, notifier, ttl, logger), st
}

func TestGateRequest(t *testing.T) {
	t.Parallel()

	gate, st := setupGate(t, time.Hour)
	ctx := context.Background()

	before := time.Now().UTC()

	created, err := gate.Request(ctx, "wf-1", "Review 2 finding(s) in acme/payments", models.PriorityP1, []string{"vuln-1", "vuln-2"})
	require.NoError(t, err)

	assert.Equal(t, models.ApprovalPending, created.Status)
	assert.Equal(t, models.ActorSystem, created.RequestedBy)
	assert.WithinDuration(t, before.Add(time.Hour), created.ExpiresAt, 5*time.Second)

	// Requesting writes an audit fact alongside the approval.
	entries, err := st.AuditEntries(ctx, store.AuditFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.AuditApprovalRequested, entries[0].Action)
	assert.Equal(t, created.ID, entries[0].ApprovalID)
}

func TestGateRequestDefaultTTL(t *testing.T) {
	t.Parallel()

	gate, _ := setupGate(t, 0)

	created, err := gate.Request(context.Background(), "wf-1", "Review 1 finding(s) in acme/payments", models.PriorityP0, []string{"vuln-1"})
	require.NoError(t, err)

	assert.WithinDuration(t, time.Now().UTC().Add(approval.DefaultTTL), created.ExpiresAt, 5*time.Second)
}

func TestGateResolveExactlyOnce(t *testing.T) {
	t.Parallel()

	gate, _ := setupGate(t, time.Hour)
	ctx := context.Background()

	created, err := gate.Request(ctx, "wf-1", "Review 1 finding(s) in acme/payments", models.PriorityP0, []string{"vuln-1"})
	require.NoError(t, err)

	resolved, err := gate.Resolve(ctx, created.ID, "alice@example.com", true, "looks safe")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalApproved, resolved.Status)
	assert.Equal(t, "alice@example.com", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	// The second resolution is rejected and changes nothing.
	_, err = gate.Resolve(ctx, created.ID, "bob@example.com", false, "too risky")
	require.Error(t, err)
	assert.ErrorIs(t, err, approval.ErrAlreadyResolved)

	reloaded, err := gate.Resolve(ctx, created.ID, "bob@example.com", false, "too risky")
	require.Error(t, err)
	assert.Nil(t, reloaded)
}

func TestGateResolveRejection(t *testing.T) {
	t.Parallel()

	gate, st := setupGate(t, time.Hour)
	ctx := context.Background()

	created, err := gate.Request(ctx, "wf-1", "Review 1 finding(s) in acme/payments", models.PriorityP0, []string{"vuln-1"})
	require.NoError(t, err)

	resolved, err := gate.Resolve(ctx, created.ID, "bob@example.com", false, "not in this release")
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalRejected, resolved.Status)

	entries, err := st.AuditEntries(ctx, store.AuditFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.AuditApprovalDenied, entries[1].Action)
	assert.Equal(t, "bob@example.com", entries[1].Actor)
}

func TestGateExpire(t *testing.T) {
	t.Parallel()

	gate, _ := setupGate(t, time.Nanosecond)
	ctx := context.Background()

	created, err := gate.Request(ctx, "wf-1", "Review 1 finding(s) in acme/payments", models.PriorityP2, []string{"vuln-1"})
	require.NoError(t, err)

	due, err := gate.PendingBefore(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)

	expired, err := gate.Expire(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalExpired, expired.Status)
	assert.Equal(t, models.ActorSystem, expired.ResolvedBy)
	assert.Equal(t, "expired", expired.Comment)

	// Expiry is a resolution; a late human decision no longer lands.
	_, err = gate.Resolve(ctx, created.ID, "alice@example.com", true, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, approval.ErrAlreadyResolved)

	// And the sweep does not pick it up again.
	due, err = gate.PendingBefore(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestGateExpireAfterResolution(t *testing.T) {
	t.Parallel()

	gate, _ := setupGate(t, time.Nanosecond)
	ctx := context.Background()

	created, err := gate.Request(ctx, "wf-1", "Review 1 finding(s) in acme/payments", models.PriorityP2, []string{"vuln-1"})
	require.NoError(t, err)

	_, err = gate.Resolve(ctx, created.ID, "alice@example.com", true, "")
	require.NoError(t, err)

	_, err = gate.Expire(ctx, created.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, approval.ErrAlreadyResolved)
}
