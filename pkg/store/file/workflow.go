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

func (s *Store) CreateWorkflow(_ context.Context, workflow *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing models.Workflow

	err := s.read("workflows", workflow.ID, &existing)
	if err == nil {
		return store.NewWorkflowError("Create", workflow.ID, store.ErrWorkflowExists)
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return store.NewWorkflowError("Create", workflow.ID, err)
	}

	workflow.Version = 1
	workflow.CreatedAt = time.Now().UTC()
	workflow.UpdatedAt = workflow.CreatedAt

	return s.write("workflows", workflow.ID, workflow)
}

func (s *Store) WorkflowByID(_ context.Context, id string) (*models.Workflow, error) {
	var workflow models.Workflow

	err := s.read("workflows", id, &workflow)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.NewWorkflowError("ByID", id, store.ErrWorkflowNotFound)
		}

		return nil, store.NewWorkflowError("ByID", id, err)
	}

	return &workflow, nil
}

// SaveWorkflow is the compare-and-swap write: the stored version must equal
// expectedVersion or the save fails with ErrVersionConflict.
func (s *Store) SaveWorkflow(_ context.Context, workflow *models.Workflow, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored models.Workflow

	err := s.read("workflows", workflow.ID, &stored)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store.NewWorkflowError("Save", workflow.ID, store.ErrWorkflowNotFound)
		}

		return store.NewWorkflowError("Save", workflow.ID, err)
	}

	if stored.Version != expectedVersion {
		return store.NewWorkflowError("Save", workflow.ID, store.ErrVersionConflict)
	}

	workflow.Version = expectedVersion + 1
	workflow.UpdatedAt = time.Now().UTC()

	return s.write("workflows", workflow.ID, workflow)
}

func (s *Store) ListWorkflows(ctx context.Context, opts store.ListWorkflowsOptions) (*store.WorkflowListResult, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	ids, err := s.list("workflows")
	if err != nil {
		return nil, err
	}

	matched := make([]*models.Workflow, 0, len(ids))

	for _, id := range ids {
		workflow, err := s.WorkflowByID(ctx, id)
		if err != nil {
			return nil, err
		}

		if opts.State != nil && workflow.State != *opts.State {
			continue
		}

		if opts.Repository != "" && workflow.Repository != opts.Repository {
			continue
		}

		matched = append(matched, workflow)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)

	start := opts.Offset
	if start > total {
		start = total
	}

	end := start + opts.Limit
	if end > total {
		end = total
	}

	return &store.WorkflowListResult{
		Workflows:   matched[start:end],
		TotalCount:  total,
		HasNextPage: end < total,
	}, nil
}

func (s *Store) SaveVulnerability(_ context.Context, vuln *models.Vulnerability) error {
	return s.write("vulnerabilities", vuln.ID, vuln)
}

func (s *Store) VulnerabilityByID(_ context.Context, id string) (*models.Vulnerability, error) {
	var vuln models.Vulnerability

	err := s.read("vulnerabilities", id, &vuln)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrVulnerabilityNotFound
		}

		return nil, err
	}

	return &vuln, nil
}
