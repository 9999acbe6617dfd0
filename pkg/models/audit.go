package models

import "time"

// AuditAction names the auditable facts of the system.
type AuditAction string

const (
	AuditWorkflowCreated       AuditAction = "workflow_created"
	AuditWorkflowTransitioned  AuditAction = "workflow_transitioned"
	AuditWorkflowCancelled     AuditAction = "workflow_cancelled"
	AuditWorkflowCompleted     AuditAction = "workflow_completed"
	AuditWorkflowFailed        AuditAction = "workflow_failed"
	AuditAssessmentCompleted   AuditAction = "assessment_completed"
	AuditAssessmentDegraded    AuditAction = "assessment_degraded"
	AuditDecisionMade          AuditAction = "decision_made"
	AuditApprovalRequested     AuditAction = "approval_requested"
	AuditApprovalGranted       AuditAction = "approval_granted"
	AuditApprovalDenied        AuditAction = "approval_denied"
	AuditApprovalExpired       AuditAction = "approval_expired"
	AuditRemediationDispatched AuditAction = "remediation_dispatched"
	AuditRemediationCompleted  AuditAction = "remediation_completed"
	AuditRemediationFailed     AuditAction = "remediation_failed"
	AuditLateResponseDropped   AuditAction = "late_response_dropped"
)

// ActorSystem is the actor value for entries produced by the engine itself.
const ActorSystem = "system"

// AuditEntry is an append-only fact. Entries are never mutated or deleted;
// retention is enforced outside this module.
type AuditEntry struct {
	ID              string      `json:"id"        validate:"required"`
	Timestamp       time.Time   `json:"timestamp"`
	Action          AuditAction `json:"action"    validate:"required"`
	Actor           string      `json:"actor"     validate:"required"`
	WorkflowID      string      `json:"workflow_id,omitempty"`
	VulnerabilityID string      `json:"vulnerability_id,omitempty"`
	ApprovalID      string      `json:"approval_id,omitempty"`
	Success         bool        `json:"success"`
	Detail          string      `json:"detail,omitempty"`
}
