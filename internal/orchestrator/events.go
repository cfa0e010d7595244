package orchestrator

import (
	"time"

	"github.com/ShayCichocki/steward/pkg/models"
)

// EventType represents the type of dispatcher event.
type EventType string

const (
	// EventItemSubmitted indicates a producer added a work item.
	EventItemSubmitted EventType = "item_submitted"
	// EventItemReady indicates an item became dispatchable, or was requeued.
	EventItemReady EventType = "item_ready"
	// EventItemBlocked indicates a pending item sits behind a failed dependency.
	EventItemBlocked EventType = "item_blocked"
	// EventItemStarted indicates an item moved to running.
	EventItemStarted EventType = "item_started"
	// EventItemCompleted indicates an item finished successfully.
	EventItemCompleted EventType = "item_completed"
	// EventItemFailed indicates an item failed.
	EventItemFailed EventType = "item_failed"
	// EventDecisionMade indicates the gate chose an execution mode.
	EventDecisionMade EventType = "decision_made"
	// EventApprovalRequested indicates a confirm decision is waiting on a human.
	EventApprovalRequested EventType = "approval_requested"
	// EventBreakerOpened indicates a collaborator's breaker opened.
	EventBreakerOpened EventType = "breaker_opened"
	// EventBreakerClosed indicates a collaborator's breaker closed again.
	EventBreakerClosed EventType = "breaker_closed"
	// EventHealthChanged indicates the system health state changed.
	EventHealthChanged EventType = "health_changed"
	// EventRecoveryStarted indicates a recovery attempt began.
	EventRecoveryStarted EventType = "recovery_started"
	// EventRecoverySucceeded indicates a recovery attempt verified.
	EventRecoverySucceeded EventType = "recovery_succeeded"
	// EventRecoveryFailed indicates a recovery attempt was exhausted.
	EventRecoveryFailed EventType = "recovery_failed"
)

// Event represents an event emitted by the dispatcher.
type Event struct {
	// Type is the kind of event.
	Type EventType `json:"type"`
	// ItemID is the related work item, if applicable.
	ItemID string `json:"item_id,omitempty"`
	// Agent and Action identify the dispatched action, if applicable.
	Agent  string `json:"agent,omitempty"`
	Action string `json:"action,omitempty"`
	// Mode is the execution mode, set on decision and completion events.
	Mode models.ExecutionMode `json:"mode,omitempty"`
	// Confidence is set on decision and approval events.
	Confidence float64 `json:"confidence,omitempty"`
	// Source is the collaborator or health source for breaker and recovery events.
	Source string `json:"source,omitempty"`
	// Message provides additional context about the event.
	Message string `json:"message,omitempty"`
	// Error contains the failure reason for failure events.
	Error string `json:"error,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}
