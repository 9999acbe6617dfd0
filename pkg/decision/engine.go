// Package decision produces the routing verdict for a vulnerability: fix it
// automatically, send it to a human, or ignore it. Evaluation is a pure
// function of its inputs so the same facts always yield the same verdict;
// any external reasoning must already be embedded in the RiskAssessment.
package decision

import (
	"strings"

	"github.com/google/uuid"

	"github.com/secflow-io/secflow/pkg/models"
)

// Policy is the deterministic rule configuration.
type Policy struct {
	// Priority thresholds on the 0-10 severity scale, evaluated highest
	// first with >= semantics.
	P0Threshold float64
	P1Threshold float64
	P2Threshold float64
	P3Threshold float64
	// MinConfidence is the bar an assessment must strictly clear before
	// auto_fix is permitted. Boundary values route to human review.
	MinConfidence float64
	// SensitiveComponents are substrings that mark a component as off-limits
	// for automated fixes.
	SensitiveComponents []string
	// RequireFixTemplate forces human review when the remediation
	// collaborator has no template for the finding.
	RequireFixTemplate bool
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		P0Threshold:        9.0,
		P1Threshold:        7.0,
		P2Threshold:        4.0,
		P3Threshold:        2.0,
		MinConfidence:      0.7,
		RequireFixTemplate: true,
		SensitiveComponents: []string{
			"auth",
			"authentication",
			"authorization",
			"identity",
			"crypto",
			"payment",
		},
	}
}

// PriorityFromSeverity maps a severity score to a priority using the policy
// thresholds. Also used by the engine's degraded local fallback when the
// risk-assessment collaborator is unreachable.
func (p Policy) PriorityFromSeverity(severity float64) models.Priority {
	switch {
	case severity >= p.P0Threshold:
		return models.PriorityP0
	case severity >= p.P1Threshold:
		return models.PriorityP1
	case severity >= p.P2Threshold:
		return models.PriorityP2
	case severity >= p.P3Threshold:
		return models.PriorityP3
	default:
		return models.PriorityP4
	}
}

// Evaluate computes the verdict for one vulnerability. P4 findings are
// ignored; everything else is auto-fixed only when every gate passes, and
// routed to a human otherwise.
func Evaluate(vuln *models.Vulnerability, assessment *models.RiskAssessment, policy Policy) *models.Decision {
	inputs := models.DecisionInputs{
		Severity:       vuln.Severity,
		Priority:       assessment.Priority,
		Confidence:     assessment.Confidence,
		HasFixTemplate: vuln.HasFixTemplate,
		Sensitive:      vuln.Sensitive,
		Degraded:       assessment.Degraded,
	}

	verdict, reason := evaluate(vuln, assessment, policy)

	return &models.Decision{
		ID:              uuid.New().String(),
		VulnerabilityID: vuln.ID,
		Verdict:         verdict,
		Inputs:          inputs,
		Reason:          reason,
	}
}

func evaluate(vuln *models.Vulnerability, assessment *models.RiskAssessment, policy Policy) (models.Verdict, string) {
	if assessment.Priority == models.PriorityP4 {
		return models.VerdictIgnore, "priority P4 is informational"
	}

	if vuln.Sensitive || isSensitiveComponent(vuln.Component, policy.SensitiveComponents) {
		return models.VerdictHumanApproval, "component flagged sensitive"
	}

	if policy.RequireFixTemplate && !vuln.HasFixTemplate {
		return models.VerdictHumanApproval, "no fix template available"
	}

	if !(assessment.Confidence > policy.MinConfidence) {
		return models.VerdictHumanApproval, "assessment confidence below bar"
	}

	if assessment.Degraded {
		return models.VerdictHumanApproval, "assessment degraded"
	}

	return models.VerdictAutoFix, "all auto-fix gates passed"
}

func isSensitiveComponent(component string, sensitive []string) bool {
	lowered := strings.ToLower(component)

	for _, marker := range sensitive {
		if strings.Contains(lowered, marker) {
			return true
		}
	}

	return false
}
