package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/secflow-io/secflow/pkg/models"
	"github.com/secflow-io/secflow/pkg/store"
)

const workflowColumns = `
	id
  , state
  , repository
  , branch
  , steps
  , vulnerability_ids
  , version
  , retry_count
  , next_retry_at
  , cancelled
  , total_vulnerabilities
  , critical_count
  , high_count
  , triggered_by
  , created_at
  , updated_at
  , completed_at
`

func (s *Store) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	workflow.Version = 1
	workflow.CreatedAt = time.Now().UTC()
	workflow.UpdatedAt = workflow.CreatedAt

	steps, vulnIDs, err := marshalWorkflowJSON(workflow)
	if err != nil {
		return store.NewWorkflowError("Create", workflow.ID, err)
	}

	query := `
		INSERT INTO workflows (` + workflowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err = s.db.ExecContext(ctx, query,
		workflow.ID, workflow.State, workflow.Repository, workflow.Branch,
		steps, vulnIDs, workflow.Version, workflow.RetryCount,
		workflow.NextRetryAt, workflow.Cancelled,
		workflow.TotalVulnerabilities, workflow.CriticalCount, workflow.HighCount,
		workflow.TriggeredBy, workflow.CreatedAt, workflow.UpdatedAt, workflow.CompletedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return store.NewWorkflowError("Create", workflow.ID, store.ErrWorkflowExists)
		}

		return store.NewWorkflowError("Create", workflow.ID, err)
	}

	return nil
}

func (s *Store) WorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	workflow, err := scanWorkflow(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NewWorkflowError("ByID", id, store.ErrWorkflowNotFound)
		}

		return nil, store.NewWorkflowError("ByID", id, err)
	}

	return workflow, nil
}

// SaveWorkflow performs the optimistic-concurrency write: the version guard
// lives in the UPDATE itself, so concurrent writers race inside the database
// and exactly one wins.
func (s *Store) SaveWorkflow(ctx context.Context, workflow *models.Workflow, expectedVersion int64) error {
	steps, vulnIDs, err := marshalWorkflowJSON(workflow)
	if err != nil {
		return store.NewWorkflowError("Save", workflow.ID, err)
	}

	workflow.Version = expectedVersion + 1
	workflow.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE workflows SET
			state = $1
		  , steps = $2
		  , vulnerability_ids = $3
		  , version = $4
		  , retry_count = $5
		  , next_retry_at = $6
		  , cancelled = $7
		  , total_vulnerabilities = $8
		  , critical_count = $9
		  , high_count = $10
		  , updated_at = $11
		  , completed_at = $12
		WHERE id = $13 AND version = $14
	`

	result, err := s.db.ExecContext(ctx, query,
		workflow.State, steps, vulnIDs, workflow.Version,
		workflow.RetryCount, workflow.NextRetryAt, workflow.Cancelled,
		workflow.TotalVulnerabilities, workflow.CriticalCount, workflow.HighCount,
		workflow.UpdatedAt, workflow.CompletedAt,
		workflow.ID, expectedVersion,
	)
	if err != nil {
		return store.NewWorkflowError("Save", workflow.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return store.NewWorkflowError("Save", workflow.ID, err)
	}

	if affected == 0 {
		exists, err := s.workflowExists(ctx, workflow.ID)
		if err != nil {
			return store.NewWorkflowError("Save", workflow.ID, err)
		}

		if !exists {
			return store.NewWorkflowError("Save", workflow.ID, store.ErrWorkflowNotFound)
		}

		return store.NewWorkflowError("Save", workflow.ID, store.ErrVersionConflict)
	}

	return nil
}

func (s *Store) workflowExists(ctx context.Context, id string) (bool, error) {
	var exists bool

	err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check workflow existence: %w", err)
	}

	return exists, nil
}

func (s *Store) ListWorkflows(ctx context.Context, opts store.ListWorkflowsOptions) (*store.WorkflowListResult, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	where := "WHERE 1=1"
	args := make([]any, 0, 4)

	if opts.State != nil {
		args = append(args, *opts.State)
		where += fmt.Sprintf(" AND state = $%d", len(args))
	}

	if opts.Repository != "" {
		args = append(args, opts.Repository)
		where += fmt.Sprintf(" AND repository = $%d", len(args))
	}

	var total int

	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflows "+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count workflows: %w", err)
	}

	args = append(args, opts.Limit, opts.Offset)
	query := fmt.Sprintf(
		"SELECT %s FROM workflows %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		workflowColumns, where, len(args)-1, len(args),
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return &store.WorkflowListResult{
		Workflows:   workflows,
		TotalCount:  total,
		HasNextPage: opts.Offset+len(workflows) < total,
	}, nil
}

func (s *Store) SaveVulnerability(ctx context.Context, vuln *models.Vulnerability) error {
	query := `
		INSERT INTO vulnerabilities (
			id, source, cve_id, title, severity, component, artifact_ref,
			has_fix_template, sensitive, detected_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		vuln.ID, vuln.Source, vuln.CVEID, vuln.Title, vuln.Severity,
		vuln.Component, vuln.ArtifactRef, vuln.HasFixTemplate, vuln.Sensitive,
		vuln.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save vulnerability %s: %w", vuln.ID, err)
	}

	return nil
}

func (s *Store) VulnerabilityByID(ctx context.Context, id string) (*models.Vulnerability, error) {
	query := `
		SELECT id, source, cve_id, title, severity, component, artifact_ref,
		       has_fix_template, sensitive, detected_at
		FROM vulnerabilities WHERE id = $1
	`

	var vuln models.Vulnerability

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&vuln.ID, &vuln.Source, &vuln.CVEID, &vuln.Title, &vuln.Severity,
		&vuln.Component, &vuln.ArtifactRef, &vuln.HasFixTemplate, &vuln.Sensitive,
		&vuln.DetectedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrVulnerabilityNotFound
		}

		return nil, fmt.Errorf("failed to scan vulnerability: %w", err)
	}

	return &vuln, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		workflow models.Workflow
		steps    []byte
		vulnIDs  []byte
	)

	err := row.Scan(
		&workflow.ID, &workflow.State, &workflow.Repository, &workflow.Branch,
		&steps, &vulnIDs, &workflow.Version, &workflow.RetryCount,
		&workflow.NextRetryAt, &workflow.Cancelled,
		&workflow.TotalVulnerabilities, &workflow.CriticalCount, &workflow.HighCount,
		&workflow.TriggeredBy, &workflow.CreatedAt, &workflow.UpdatedAt, &workflow.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(steps, &workflow.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	err = json.Unmarshal(vulnIDs, &workflow.VulnerabilityIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal vulnerability ids: %w", err)
	}

	return &workflow, nil
}

func marshalWorkflowJSON(workflow *models.Workflow) ([]byte, []byte, error) {
	if workflow.Steps == nil {
		workflow.Steps = make([]*models.WorkflowStep, 0)
	}

	if workflow.VulnerabilityIDs == nil {
		workflow.VulnerabilityIDs = make([]string, 0)
	}

	steps, err := json.Marshal(workflow.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal steps: %w", err)
	}

	vulnIDs, err := json.Marshal(workflow.VulnerabilityIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal vulnerability ids: %w", err)
	}

	return steps, vulnIDs, nil
}
