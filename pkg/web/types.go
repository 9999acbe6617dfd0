package web

import "github.com/secflow-io/secflow/pkg/a2a"

// IngestVulnerability is one scanner finding in an ingest request.
type IngestVulnerability struct {
	Source         string  `json:"source"          validate:"required,oneof=dependency secret container iac"`
	CVEID          string  `json:"cve_id,omitempty"`
	Title          string  `json:"title"           validate:"required"`
	Severity       float64 `json:"severity"        validate:"gte=0,lte=10"`
	Component      string  `json:"component"       validate:"required"`
	ArtifactRef    string  `json:"artifact_ref,omitempty"`
	HasFixTemplate bool    `json:"has_fix_template"`
	Sensitive      bool    `json:"sensitive"`
}

// IngestRequest is a scan report: repository coordinates plus at least one
// finding. An empty report is rejected; it does not open a workflow.
type IngestRequest struct {
	Repository      string                `json:"repository"   validate:"required"`
	Branch          string                `json:"branch,omitempty"`
	TriggeredBy     string                `json:"triggered_by" validate:"required"`
	Vulnerabilities []IngestVulnerability `json:"vulnerabilities" validate:"required,min=1,dive"`
}

// ResolveApprovalRequest records a human decision on a pending approval.
type ResolveApprovalRequest struct {
	Resolver string `json:"resolver" validate:"required"`
	Approved *bool  `json:"approved" validate:"required"`
	Comment  string `json:"comment,omitempty"`
}

// CancelRequest is an administrative abort.
type CancelRequest struct {
	RequestedBy string `json:"requested_by" validate:"required"`
}

// RemediationCallback is the remediation collaborator's result report.
type RemediationCallback struct {
	CorrelationID     string `json:"correlation_id" validate:"required"`
	Status            string `json:"status"         validate:"required,oneof=completed failed"`
	ArtifactReference string `json:"artifact_reference,omitempty"`
	TestsPassed       bool   `json:"tests_passed"`
	Error             string `json:"error,omitempty"`
}

func (r RemediationCallback) toResult() a2a.RemediationResult {
	return a2a.RemediationResult{
		CorrelationID:     r.CorrelationID,
		Status:            r.Status,
		ArtifactReference: r.ArtifactReference,
		TestsPassed:       r.TestsPassed,
		Error:             r.Error,
	}
}

// ingestSchema is the wire-level contract for scan reports, checked before
// the struct-level rules so malformed payloads fail with field-accurate
// errors instead of decode noise.
const ingestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["repository", "triggered_by", "vulnerabilities"],
  "properties": {
    "repository": {"type": "string", "minLength": 1},
    "branch": {"type": "string"},
    "triggered_by": {"type": "string", "minLength": 1},
    "vulnerabilities": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["source", "title", "severity", "component"],
        "properties": {
          "source": {"type": "string", "enum": ["dependency", "secret", "container", "iac"]},
          "cve_id": {"type": "string"},
          "title": {"type": "string", "minLength": 1},
          "severity": {"type": "number", "minimum": 0, "maximum": 10},
          "component": {"type": "string", "minLength": 1},
          "artifact_ref": {"type": "string"},
          "has_fix_template": {"type": "boolean"},
          "sensitive": {"type": "boolean"}
        }
      }
    }
  }
}`
