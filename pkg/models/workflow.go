package models

import "time"

// WorkflowState is the lifecycle state of a workflow.
type WorkflowState string

const (
	StatePending           WorkflowState = "pending"
	StateScanningDone      WorkflowState = "scanning_done"
	StateRiskAssessment    WorkflowState = "risk_assessment"
	StateDecision          WorkflowState = "decision"
	StateRemediation       WorkflowState = "remediation"
	StateAwaitingApproval  WorkflowState = "awaiting_approval"
	StateIgnored           WorkflowState = "ignored"
	StateRejectedFinal     WorkflowState = "rejected_final"
	StateCompleted         WorkflowState = "completed"
	StateFailed            WorkflowState = "failed"
)

// Terminal reports whether no further transitions are permitted from s.
func (s WorkflowState) Terminal() bool {
	switch s {
	case StateCompleted, StateRejectedFinal, StateIgnored:
		return true
	default:
		return false
	}
}

// Workflow is the aggregate root driving a set of vulnerabilities through
// their remediation lifecycle. Version is the optimistic-concurrency
// counter: every persisted mutation must carry the version it read, and the
// store rejects the save if the stored version moved on.
type Workflow struct {
	ID               string          `json:"id"                validate:"required"`
	State            WorkflowState   `json:"state"             validate:"required"`
	Repository       string          `json:"repository"        validate:"required"`
	Branch           string          `json:"branch"`
	Steps            []*WorkflowStep `json:"steps"`
	VulnerabilityIDs []string        `json:"vulnerability_ids"`
	Version          int64           `json:"version"`
	RetryCount       int             `json:"retry_count"`
	// NextRetryAt is the persisted backoff deadline for failed -> pending.
	// The recovery sweep re-reads it after a restart, so retry timing never
	// depends on an in-memory timer surviving a crash.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	// Cancelled marks an administrative abort. Late A2A responses for a
	// cancelled workflow are logged and dropped, never reapplied.
	Cancelled bool `json:"cancelled"`

	TotalVulnerabilities int `json:"total_vulnerabilities"`
	CriticalCount        int `json:"critical_count"`
	HighCount            int `json:"high_count"`

	TriggeredBy string     `json:"triggered_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunningStep returns the step currently in progress, if any. The engine
// guarantees at most one.
func (w *Workflow) RunningStep() *WorkflowStep {
	for _, step := range w.Steps {
		if step.Status == StepStatusRunning {
			return step
		}
	}

	return nil
}

// StepByCorrelationID finds the step that issued the given correlation id.
func (w *Workflow) StepByCorrelationID(correlationID string) *WorkflowStep {
	for _, step := range w.Steps {
		if step.CorrelationID == correlationID {
			return step
		}
	}

	return nil
}
