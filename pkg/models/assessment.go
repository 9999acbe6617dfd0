package models

import "time"

// Priority is the routing priority produced by risk assessment.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
)

// RiskAssessment is the risk-assessment collaborator's answer for one
// vulnerability. Degraded assessments are computed locally when the
// collaborator is unreachable; their confidence is forced low so the
// decision engine routes them to a human.
type RiskAssessment struct {
	VulnerabilityID string    `json:"vulnerability_id" validate:"required"`
	Priority        Priority  `json:"priority"         validate:"required,oneof=P0 P1 P2 P3 P4"`
	Confidence      float64   `json:"confidence"       validate:"gte=0,lte=1"`
	Rationale       string    `json:"rationale"`
	Degraded        bool      `json:"degraded"`
	AssessedAt      time.Time `json:"assessed_at"`
}
