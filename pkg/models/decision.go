package models

import "time"

// Verdict is the routing outcome for a vulnerability within a workflow.
type Verdict string

const (
	VerdictAutoFix       Verdict = "auto_fix"
	VerdictHumanApproval Verdict = "human_approval"
	VerdictIgnore        Verdict = "ignore"
)

// DecisionInputs snapshots what the engine saw when it decided, so the
// verdict can be audited without replaying the workflow.
type DecisionInputs struct {
	Severity       float64  `json:"severity"`
	Priority       Priority `json:"priority"`
	Confidence     float64  `json:"confidence"`
	HasFixTemplate bool     `json:"has_fix_template"`
	Sensitive      bool     `json:"sensitive"`
	Degraded       bool     `json:"degraded"`
}

// Decision is immutable once written. Sequence is assigned by the store and
// increases monotonically per workflow for audit ordering.
type Decision struct {
	ID              string         `json:"id"               validate:"required"`
	WorkflowID      string         `json:"workflow_id"      validate:"required"`
	VulnerabilityID string         `json:"vulnerability_id" validate:"required"`
	Verdict         Verdict        `json:"verdict"          validate:"required,oneof=auto_fix human_approval ignore"`
	Inputs          DecisionInputs `json:"inputs"`
	Reason          string         `json:"reason"`
	Sequence        int64          `json:"sequence"`
	DecidedAt       time.Time      `json:"decided_at"`
}
