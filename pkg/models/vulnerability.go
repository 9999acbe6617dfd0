// Package models defines the core domain models for vulnerability workflow orchestration.
package models

import "time"

// VulnerabilitySource classifies where a finding came from.
type VulnerabilitySource string

const (
	SourceDependency VulnerabilitySource = "dependency"
	SourceSecret     VulnerabilitySource = "secret"
	SourceContainer  VulnerabilitySource = "container"
	SourceIaC        VulnerabilitySource = "iac"
)

// Vulnerability is a finding recorded by a scanner. It is immutable once
// recorded: the workflow that first stored it owns it, everyone else reads.
type Vulnerability struct {
	ID          string              `json:"id"            validate:"required"`
	Source      VulnerabilitySource `json:"source"        validate:"required,oneof=dependency secret container iac"`
	CVEID       string              `json:"cve_id,omitempty"`
	Title       string              `json:"title"         validate:"required"`
	Severity    float64             `json:"severity"      validate:"gte=0,lte=10"`
	Component   string              `json:"component"     validate:"required"`
	ArtifactRef string              `json:"artifact_ref"`
	// HasFixTemplate reports whether the remediation collaborator has a
	// known fix template for this class of finding.
	HasFixTemplate bool `json:"has_fix_template"`
	// Sensitive marks components (authn/authz code, crypto, payment paths)
	// where automated fixes are never allowed.
	Sensitive  bool      `json:"sensitive"`
	DetectedAt time.Time `json:"detected_at"`
}
