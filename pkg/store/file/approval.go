package file

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"time"

	"github.com/secflow-io/secflow/pkg/models"
	"github.com/secflow-io/secflow/pkg/store"
)

func (s *Store) SaveApproval(_ context.Context, approval *models.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write("approvals", approval.ID, approval)
}

func (s *Store) ApprovalByID(_ context.Context, id string) (*models.Approval, error) {
	var approval models.Approval

	err := s.read("approvals", id, &approval)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrApprovalNotFound
		}

		return nil, err
	}

	return &approval, nil
}

func (s *Store) ApprovalByWorkflowID(ctx context.Context, workflowID string) (*models.Approval, error) {
	ids, err := s.list("approvals")
	if err != nil {
		return nil, err
	}

	var latest *models.Approval

	for _, id := range ids {
		approval, err := s.ApprovalByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if approval.WorkflowID != workflowID {
			continue
		}

		if latest == nil || approval.RequestedAt.After(latest.RequestedAt) {
			latest = approval
		}
	}

	if latest == nil {
		return nil, store.ErrApprovalNotFound
	}

	return latest, nil
}

func (s *Store) PendingApprovalsBefore(ctx context.Context, deadline time.Time) ([]*models.Approval, error) {
	ids, err := s.list("approvals")
	if err != nil {
		return nil, err
	}

	expired := make([]*models.Approval, 0)

	for _, id := range ids {
		approval, err := s.ApprovalByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if approval.Status == models.ApprovalPending && !approval.ExpiresAt.After(deadline) {
			expired = append(expired, approval)
		}
	}

	return expired, nil
}

// AppendDecision assigns the per-workflow monotonic sequence under the store
// lock, so two writers can never produce the same sequence number.
func (s *Store) AppendDecision(ctx context.Context, decision *models.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.decisionsByWorkflowID(ctx, decision.WorkflowID)
	if err != nil {
		return err
	}

	decision.Sequence = int64(len(existing)) + 1
	decision.DecidedAt = time.Now().UTC()

	return s.write("decisions", decision.ID, decision)
}

func (s *Store) DecisionsByWorkflowID(ctx context.Context, workflowID string) ([]*models.Decision, error) {
	return s.decisionsByWorkflowID(ctx, workflowID)
}

func (s *Store) decisionsByWorkflowID(_ context.Context, workflowID string) ([]*models.Decision, error) {
	ids, err := s.list("decisions")
	if err != nil {
		return nil, err
	}

	decisions := make([]*models.Decision, 0)

	for _, id := range ids {
		var decision models.Decision

		err := s.read("decisions", id, &decision)
		if err != nil {
			return nil, err
		}

		if decision.WorkflowID == workflowID {
			decisions = append(decisions, &decision)
		}
	}

	sort.Slice(decisions, func(i, j int) bool {
		return decisions[i].Sequence < decisions[j].Sequence
	})

	return decisions, nil
}

func (s *Store) AppendAudit(_ context.Context, entry *models.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	return s.write("audit", entry.ID, entry)
}

func (s *Store) AuditEntries(_ context.Context, filter store.AuditFilter) ([]*models.AuditEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}

	ids, err := s.list("audit")
	if err != nil {
		return nil, err
	}

	matched := make([]*models.AuditEntry, 0)

	for _, id := range ids {
		var entry models.AuditEntry

		err := s.read("audit", id, &entry)
		if err != nil {
			return nil, err
		}

		if filter.WorkflowID != "" && entry.WorkflowID != filter.WorkflowID {
			continue
		}

		if filter.VulnerabilityID != "" && entry.VulnerabilityID != filter.VulnerabilityID {
			continue
		}

		if !filter.Since.IsZero() && entry.Timestamp.Before(filter.Since) {
			continue
		}

		if !filter.Until.IsZero() && entry.Timestamp.After(filter.Until) {
			continue
		}

		matched = append(matched, &entry)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})

	start := filter.Offset
	if start > len(matched) {
		start = len(matched)
	}

	end := start + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}

	return matched[start:end], nil
}
