package models

import "time"

// ApprovalStatus is the lifecycle status of a human approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Approval is a human-gated pause. It resolves exactly once; expiry is a
// time-based transition enforced by the recovery sweep against ExpiresAt,
// never by a human action.
type Approval struct {
	ID               string         `json:"id"          validate:"required"`
	WorkflowID       string         `json:"workflow_id" validate:"required"`
	Status           ApprovalStatus `json:"status"      validate:"required,oneof=pending approved rejected expired"`
	Title            string         `json:"title"`
	Priority         Priority       `json:"priority"`
	VulnerabilityIDs []string       `json:"vulnerability_ids"`
	RequestedBy      string         `json:"requested_by"`
	RequestedAt      time.Time      `json:"requested_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
	ResolvedBy       string         `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
	Comment          string         `json:"comment,omitempty"`
}

// Resolved reports whether the approval already reached a final status.
func (a *Approval) Resolved() bool {
	return a.Status != ApprovalPending
}
