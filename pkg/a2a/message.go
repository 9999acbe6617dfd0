// Package a2a implements the agent-to-agent message protocol: typed
// envelopes exchanged with collaborator services over HTTP (synchronous) or
// a durable queue (asynchronous dispatch).
package a2a

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the wire protocol version stamped on every envelope.
const ProtocolVersion = "1.0"

// Envelope is the A2A wire message. CorrelationID is the idempotency key: a
// receiver that already produced a response for a correlation id must return
// the cached result instead of reprocessing.
type Envelope struct {
	ProtocolVersion string            `json:"protocol_version"`
	MessageID       string            `json:"message_id"`
	CorrelationID   string            `json:"correlation_id"`
	Sender          string            `json:"sender"`
	Receiver        string            `json:"receiver"`
	Timestamp       time.Time         `json:"timestamp"`
	Payload         json.RawMessage   `json:"payload"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// NewEnvelope builds an envelope around an already-marshalled payload. The
// correlation id is supplied by the caller because it must be persisted with
// the originating workflow step before the message leaves the process.
func NewEnvelope(sender, receiver, correlationID string, payload json.RawMessage) Envelope {
	return Envelope{
		ProtocolVersion: ProtocolVersion,
		MessageID:       uuid.New().String(),
		CorrelationID:   correlationID,
		Sender:          sender,
		Receiver:        receiver,
		Timestamp:       time.Now().UTC(),
		Payload:         payload,
		Metadata:        make(map[string]string),
	}
}

// VulnerabilitySummary is the per-finding slice of an assessment request.
type VulnerabilitySummary struct {
	ID        string  `json:"id"`
	CVEID     string  `json:"cve_id,omitempty"`
	Title     string  `json:"title"`
	Severity  float64 `json:"severity"`
	Component string  `json:"component"`
	Source    string  `json:"source"`
}

// AssessmentRequest is the payload sent to the risk-assessment collaborator.
// Findings are assessed as a batch per workflow.
type AssessmentRequest struct {
	Repository      string                 `json:"repository"`
	Vulnerabilities []VulnerabilitySummary `json:"vulnerabilities"`
	BusinessContext map[string]any         `json:"business_context,omitempty"`
}

// AssessmentItem is one finding's assessment in the response.
type AssessmentItem struct {
	VulnerabilityID string  `json:"vulnerability_id"`
	Priority        string  `json:"priority"`
	Confidence      float64 `json:"confidence"`
	Rationale       string  `json:"rationale"`
}

// AssessmentResponse is the risk-assessment collaborator's answer.
type AssessmentResponse struct {
	Assessments []AssessmentItem `json:"assessments"`
}

// RemediationRequest is the payload enqueued for the remediation collaborator.
type RemediationRequest struct {
	VulnerabilityID string `json:"vulnerability_id"`
	FixType         string `json:"fix_type"`
	RepositoryRef   string `json:"repository_ref"`
	CorrelationID   string `json:"correlation_id"`
}

// RemediationResult is reported back through the callback interface.
type RemediationResult struct {
	CorrelationID     string `json:"correlation_id"`
	Status            string `json:"status"`
	ArtifactReference string `json:"artifact_reference,omitempty"`
	TestsPassed       bool   `json:"tests_passed"`
	Error             string `json:"error,omitempty"`
}

// Succeeded reports whether remediation and post-fix verification both passed.
func (r RemediationResult) Succeeded() bool {
	return r.Status == "completed" && r.TestsPassed
}
