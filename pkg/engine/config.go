package engine

import (
	"time"

	"github.com/secflow-io/secflow/pkg/decision"
)

// Config tunes the engine's collaborator targets, retry behavior, and
// decision policy.
type Config struct {
	// RiskTarget is the a2a target name of the risk-assessment collaborator.
	RiskTarget string
	// RemediationTarget is the breaker identity for the remediation queue.
	RemediationTarget string
	// RemediationQueue is the queue name remediation requests are pushed to.
	RemediationQueue string
	// RemediationTTL bounds how long an undelivered remediation request stays
	// valid in the queue.
	RemediationTTL time.Duration

	// MaxRetries bounds failed -> pending re-entries per workflow. Once
	// exhausted, the next failure escalates to awaiting_approval instead.
	MaxRetries int
	// RetryBackoff is the base delay before a failed workflow is released
	// back to pending; it doubles per retry already consumed.
	RetryBackoff time.Duration

	// StaleStepAfter is how long a step may sit in running before the
	// recovery sweep reissues its call with the same correlation id.
	StaleStepAfter time.Duration

	// ApproveOnExpiry flips the expired-approval outcome from reject to
	// approve. The default is reject: silence never authorizes a fix.
	ApproveOnExpiry bool

	Policy decision.Policy
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		RiskTarget:        "risk-assessment",
		RemediationTarget: "remediation",
		RemediationQueue:  "secflow:remediation",
		RemediationTTL:    time.Hour,
		MaxRetries:        3,
		RetryBackoff:      time.Minute,
		StaleStepAfter:    10 * time.Minute,
		ApproveOnExpiry:   false,
		Policy:            decision.DefaultPolicy(),
	}
}
