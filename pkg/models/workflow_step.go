package models

import (
	"encoding/json"
	"time"
)

// StepKind is the closed set of work units a workflow can run. Adding a kind
// means adding a handler to the engine's handler table, checked at startup.
type StepKind string

const (
	StepKindRiskAssessment StepKind = "risk_assessment"
	StepKindRemediation    StepKind = "remediation"
	StepKindApprovalWait   StepKind = "approval_wait"
)

// StepStatus is the lifecycle status of a single step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
)

// Terminal reports whether the step reached a final status.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed
}

// WorkflowStep records one unit of work. Steps are append-only history: a
// step is never mutated after reaching a terminal status, and a retry is
// recorded as a new step entry.
type WorkflowStep struct {
	ID     string     `json:"id"     validate:"required"`
	Kind   StepKind   `json:"kind"   validate:"required,oneof=risk_assessment remediation approval_wait"`
	Status StepStatus `json:"status" validate:"required"`
	// CorrelationID is persisted before the outbound call is made, so a
	// crash between send and receive is recoverable: the call is reissued
	// with the same id and the collaborator's idempotency contract applies.
	CorrelationID string          `json:"correlation_id,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}
