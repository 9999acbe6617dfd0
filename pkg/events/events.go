// Package events defines the event types exchanged between the API surface
// and the orchestration engine over the event bus.
package events

import (
	"time"

	"github.com/secflow-io/secflow/pkg/a2a"
	"github.com/secflow-io/secflow/pkg/models"
)

type EventType string

// Topic is the bus topic all orchestration events flow through.
const Topic = "secflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Commands consumed by the engine.
	WorkflowCreatedEvent         EventType = "workflow.created"
	ApprovalResolvedEvent        EventType = "approval.resolved"
	WorkflowCancelRequestedEvent EventType = "workflow.cancel_requested"
	RemediationResultEvent       EventType = "remediation.result"

	// Facts published by the engine.
	WorkflowTransitionedEvent EventType = "workflow.transitioned"
	WorkflowCompletedEvent    EventType = "workflow.completed"
	WorkflowFailedEvent       EventType = "workflow.failed"
	ApprovalRequestedEvent    EventType = "approval.requested"
)

type BaseEvent struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	WorkflowID string    `json:"workflow_id"`
}

type WorkflowCreated struct {
	BaseEvent

	TriggeredBy string `json:"triggered_by"`
}

func (e WorkflowCreated) GetType() EventType {
	return WorkflowCreatedEvent
}

type ApprovalResolved struct {
	BaseEvent

	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Resolver   string `json:"resolver"`
	Comment    string `json:"comment,omitempty"`
}

func (e ApprovalResolved) GetType() EventType {
	return ApprovalResolvedEvent
}

type WorkflowCancelRequested struct {
	BaseEvent

	RequestedBy string `json:"requested_by"`
}

func (e WorkflowCancelRequested) GetType() EventType {
	return WorkflowCancelRequestedEvent
}

type RemediationResultReceived struct {
	BaseEvent

	Result a2a.RemediationResult `json:"result"`
}

func (e RemediationResultReceived) GetType() EventType {
	return RemediationResultEvent
}

type WorkflowTransitioned struct {
	BaseEvent

	From models.WorkflowState `json:"from"`
	To   models.WorkflowState `json:"to"`
}

func (e WorkflowTransitioned) GetType() EventType {
	return WorkflowTransitionedEvent
}

type WorkflowCompleted struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
}

func (e WorkflowCompleted) GetType() EventType {
	return WorkflowCompletedEvent
}

type WorkflowFailed struct {
	BaseEvent

	Error string `json:"error"`
}

func (e WorkflowFailed) GetType() EventType {
	return WorkflowFailedEvent
}

type ApprovalRequested struct {
	BaseEvent

	ApprovalID string          `json:"approval_id"`
	Priority   models.Priority `json:"priority"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

func (e ApprovalRequested) GetType() EventType {
	return ApprovalRequestedEvent
}
