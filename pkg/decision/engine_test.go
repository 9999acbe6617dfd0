package decision_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secflow-io/secflow/pkg/decision"
	"github.com/secflow-io/secflow/pkg/models"
)

func fixableVuln() *models.Vulnerability {
	return &models.Vulnerability{
		ID:             "vuln-1",
		Source:         models.SourceDependency,
		CVEID:          "CVE-2024-12345",
		Title:          "Remote code execution in parser",
		Severity:       9.8,
		Component:      "parser-lib",
		HasFixTemplate: true,
	}
}

func assessment(priority models.Priority, confidence float64) *models.RiskAssessment {
	return &models.RiskAssessment{
		VulnerabilityID: "vuln-1",
		Priority:        priority,
		Confidence:      confidence,
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	policy := decision.DefaultPolicy()

	tests := []struct {
		name       string
		vuln       func() *models.Vulnerability
		assessment *models.RiskAssessment
		expected   models.Verdict
	}{
		{
			name:       "critical with template and high confidence auto-fixes",
			vuln:       fixableVuln,
			assessment: assessment(models.PriorityP0, 0.92),
			expected:   models.VerdictAutoFix,
		},
		{
			name: "sensitive component always goes to a human",
			vuln: func() *models.Vulnerability {
				v := fixableVuln()
				v.Component = "authentication-service"

				return v
			},
			assessment: assessment(models.PriorityP1, 0.95),
			expected:   models.VerdictHumanApproval,
		},
		{
			name: "sensitive flag wins even for bland component names",
			vuln: func() *models.Vulnerability {
				v := fixableVuln()
				v.Sensitive = true

				return v
			},
			assessment: assessment(models.PriorityP1, 0.95),
			expected:   models.VerdictHumanApproval,
		},
		{
			name: "missing fix template goes to a human",
			vuln: func() *models.Vulnerability {
				v := fixableVuln()
				v.HasFixTemplate = false

				return v
			},
			assessment: assessment(models.PriorityP0, 0.92),
			expected:   models.VerdictHumanApproval,
		},
		{
			name:       "confidence exactly at the bar goes to a human",
			vuln:       fixableVuln,
			assessment: assessment(models.PriorityP0, 0.7),
			expected:   models.VerdictHumanApproval,
		},
		{
			name:       "confidence just above the bar auto-fixes",
			vuln:       fixableVuln,
			assessment: assessment(models.PriorityP0, 0.7000001),
			expected:   models.VerdictAutoFix,
		},
		{
			name: "degraded assessment goes to a human",
			vuln: fixableVuln,
			assessment: &models.RiskAssessment{
				VulnerabilityID: "vuln-1",
				Priority:        models.PriorityP0,
				Confidence:      0.95,
				Degraded:        true,
			},
			expected: models.VerdictHumanApproval,
		},
		{
			name:       "P4 is ignored regardless of everything else",
			vuln:       fixableVuln,
			assessment: assessment(models.PriorityP4, 0.99),
			expected:   models.VerdictIgnore,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result := decision.Evaluate(tt.vuln(), tt.assessment, policy)

			require.NotNil(t, result)
			assert.Equal(t, tt.expected, result.Verdict)
			assert.NotEmpty(t, result.Reason)
			assert.Equal(t, "vuln-1", result.VulnerabilityID)
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	t.Parallel()

	policy := decision.DefaultPolicy()
	vuln := fixableVuln()
	input := assessment(models.PriorityP0, 0.92)

	first := decision.Evaluate(vuln, input, policy)

	for range 100 {
		again := decision.Evaluate(vuln, input, policy)
		assert.Equal(t, first.Verdict, again.Verdict)
		assert.Equal(t, first.Reason, again.Reason)
		assert.Equal(t, first.Inputs, again.Inputs)
	}
}

func TestEvaluateSnapshotsInputs(t *testing.T) {
	t.Parallel()

	vuln := fixableVuln()
	input := assessment(models.PriorityP0, 0.92)

	result := decision.Evaluate(vuln, input, decision.DefaultPolicy())

	assert.InEpsilon(t, 9.8, result.Inputs.Severity, 1e-9)
	assert.Equal(t, models.PriorityP0, result.Inputs.Priority)
	assert.InEpsilon(t, 0.92, result.Inputs.Confidence, 1e-9)
	assert.True(t, result.Inputs.HasFixTemplate)
	assert.False(t, result.Inputs.Sensitive)
	assert.False(t, result.Inputs.Degraded)
}

func TestPriorityFromSeverity(t *testing.T) {
	t.Parallel()

	policy := decision.DefaultPolicy()

	tests := []struct {
		severity float64
		expected models.Priority
	}{
		{10.0, models.PriorityP0},
		{9.0, models.PriorityP0},
		{8.9, models.PriorityP1},
		{7.0, models.PriorityP1},
		{6.9, models.PriorityP2},
		{4.0, models.PriorityP2},
		{3.9, models.PriorityP3},
		{2.0, models.PriorityP3},
		{1.9, models.PriorityP4},
		{0.0, models.PriorityP4},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, policy.PriorityFromSeverity(tt.severity),
			"severity %.1f", tt.severity)
	}
}
