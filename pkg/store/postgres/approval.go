package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/secflow-io/secflow/pkg/models"
	"github.com/secflow-io/secflow/pkg/store"
)

const approvalColumns = `
	id
  , workflow_id
  , status
  , title
  , priority
  , vulnerability_ids
  , requested_by
  , requested_at
  , expires_at
  , resolved_by
  , resolved_at
  , comment
`

func (s *Store) SaveApproval(ctx context.Context, approval *models.Approval) error {
	vulnIDs, err := json.Marshal(approval.VulnerabilityIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal vulnerability ids: %w", err)
	}

	query := `
		INSERT INTO approvals (` + approvalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
		  , resolved_by = EXCLUDED.resolved_by
		  , resolved_at = EXCLUDED.resolved_at
		  , comment = EXCLUDED.comment
	`

	var resolvedBy sql.NullString
	if approval.ResolvedBy != "" {
		resolvedBy = sql.NullString{String: approval.ResolvedBy, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, query,
		approval.ID, approval.WorkflowID, approval.Status, approval.Title,
		approval.Priority, vulnIDs, approval.RequestedBy, approval.RequestedAt,
		approval.ExpiresAt, resolvedBy, approval.ResolvedAt, approval.Comment,
	)
	if err != nil {
		return fmt.Errorf("failed to save approval %s: %w", approval.ID, err)
	}

	return nil
}

func (s *Store) ApprovalByID(ctx context.Context, id string) (*models.Approval, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id = $1`

	approval, err := scanApproval(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrApprovalNotFound
		}

		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}

	return approval, nil
}

func (s *Store) ApprovalByWorkflowID(ctx context.Context, workflowID string) (*models.Approval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approvals
		WHERE workflow_id = $1
		ORDER BY requested_at DESC
		LIMIT 1
	`

	approval, err := scanApproval(s.db.QueryRowContext(ctx, query, workflowID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrApprovalNotFound
		}

		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}

	return approval, nil
}

func (s *Store) PendingApprovalsBefore(ctx context.Context, deadline time.Time) ([]*models.Approval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM approvals
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, models.ApprovalPending, deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending approvals: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	approvals := make([]*models.Approval, 0)

	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}

		approvals = append(approvals, approval)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}

	return approvals, nil
}

// AppendDecision assigns the next per-workflow sequence number inside the
// insert, relying on the UNIQUE (workflow_id, sequence) constraint to keep
// the ordering gapless under concurrency.
func scanApproval(row rowScanner) (*models.Approval, error) {
	var (
		approval   models.Approval
		vulnIDs    []byte
		resolvedBy sql.NullString
	)

	err := row.Scan(
		&approval.ID, &approval.WorkflowID, &approval.Status, &approval.Title,
		&approval.Priority, &vulnIDs, &approval.RequestedBy, &approval.RequestedAt,
		&approval.ExpiresAt, &resolvedBy, &approval.ResolvedAt, &approval.Comment,
	)
	if err != nil {
		return nil, err
	}

	approval.ResolvedBy = resolvedBy.String

	err = json.Unmarshal(vulnIDs, &approval.VulnerabilityIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal vulnerability ids: %w", err)
	}

	return &approval, nil
}

func (s *Store) AppendDecision(ctx context.Context, decision *models.Decision) error {
	inputs, err := json.Marshal(decision.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal decision inputs: %w", err)
	}

	decision.DecidedAt = time.Now().UTC()

	query := `
		INSERT INTO decisions (id, workflow_id, vulnerability_id, verdict, inputs, reason, sequence, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6,
			(SELECT COALESCE(MAX(sequence), 0) + 1 FROM decisions WHERE workflow_id = $2),
			$7)
		RETURNING sequence
	`

	err = s.db.QueryRowContext(ctx, query,
		decision.ID, decision.WorkflowID, decision.VulnerabilityID,
		decision.Verdict, inputs, decision.Reason, decision.DecidedAt,
	).Scan(&decision.Sequence)
	if err != nil {
		return fmt.Errorf("failed to append decision %s: %w", decision.ID, err)
	}

	return nil
}

func (s *Store) DecisionsByWorkflowID(ctx context.Context, workflowID string) ([]*models.Decision, error) {
	query := `
		SELECT id, workflow_id, vulnerability_id, verdict, inputs, reason, sequence, decided_at
		FROM decisions
		WHERE workflow_id = $1
		ORDER BY sequence ASC
	`

	rows, err := s.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	decisions := make([]*models.Decision, 0)

	for rows.Next() {
		var (
			decision models.Decision
			inputs   []byte
		)

		err := rows.Scan(
			&decision.ID, &decision.WorkflowID, &decision.VulnerabilityID,
			&decision.Verdict, &inputs, &decision.Reason, &decision.Sequence,
			&decision.DecidedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}

		err = json.Unmarshal(inputs, &decision.Inputs)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal decision inputs: %w", err)
		}

		decisions = append(decisions, &decision)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating decisions: %w", err)
	}

	return decisions, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_entries (id, timestamp, action, actor, workflow_id, vulnerability_id, approval_id, success, detail)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, '')::uuid, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.Timestamp, entry.Action, entry.Actor,
		entry.WorkflowID, entry.VulnerabilityID, entry.ApprovalID,
		entry.Success, entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry %s: %w", entry.ID, err)
	}

	return nil
}

func (s *Store) AuditEntries(ctx context.Context, filter store.AuditFilter) ([]*models.AuditEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}

	where := "WHERE 1=1"
	args := make([]any, 0, 6)

	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		where += fmt.Sprintf(" AND workflow_id = $%d", len(args))
	}

	if filter.VulnerabilityID != "" {
		args = append(args, filter.VulnerabilityID)
		where += fmt.Sprintf(" AND vulnerability_id = $%d", len(args))
	}

	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}

	if !filter.Until.IsZero() {
		args = append(args, filter.Until)
		where += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`
		SELECT id, timestamp, action, actor,
		       COALESCE(workflow_id::text, ''), COALESCE(vulnerability_id, ''), COALESCE(approval_id::text, ''),
		       success, COALESCE(detail, '')
		FROM audit_entries %s
		ORDER BY timestamp ASC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	entries := make([]*models.AuditEntry, 0)

	for rows.Next() {
		var entry models.AuditEntry

		err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.Action, &entry.Actor,
			&entry.WorkflowID, &entry.VulnerabilityID, &entry.ApprovalID,
			&entry.Success, &entry.Detail,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}

		entries = append(entries, &entry)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}
