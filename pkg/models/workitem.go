package models

import (
	"slices"
	"time"
)

// WorkItemStatus represents the current state of a work item.
type WorkItemStatus string

const (
	// WorkItemStatusPending indicates the item is waiting on its dependencies.
	WorkItemStatusPending WorkItemStatus = "pending"
	// WorkItemStatusReady indicates every dependency is done and the item can be dispatched.
	WorkItemStatusReady WorkItemStatus = "ready"
	// WorkItemStatusRunning indicates the item has been dispatched.
	WorkItemStatusRunning WorkItemStatus = "running"
	// WorkItemStatusDone indicates the item completed successfully.
	WorkItemStatusDone WorkItemStatus = "done"
	// WorkItemStatusFailed indicates the item failed.
	WorkItemStatusFailed WorkItemStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s WorkItemStatus) Valid() bool {
	switch s {
	case WorkItemStatusPending, WorkItemStatusReady, WorkItemStatusRunning,
		WorkItemStatusDone, WorkItemStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses an item never leaves.
func (s WorkItemStatus) Terminal() bool {
	return s == WorkItemStatusDone || s == WorkItemStatusFailed
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
// running -> ready is allowed so that an item rejected by an open circuit
// can be requeued without losing its place in the graph.
func (s WorkItemStatus) CanTransition(next WorkItemStatus) bool {
	switch s {
	case WorkItemStatusPending:
		return next == WorkItemStatusReady
	case WorkItemStatusReady:
		return next == WorkItemStatusRunning || next == WorkItemStatusPending
	case WorkItemStatusRunning:
		return next == WorkItemStatusDone || next == WorkItemStatusFailed || next == WorkItemStatusReady
	default:
		return false
	}
}

// WorkItem represents a unit of schedulable work.
type WorkItem struct {
	// ID is the unique identifier assigned at creation.
	ID string `json:"id" yaml:"id"`
	// Description is a human readable summary of the work.
	Description string `json:"description" yaml:"description"`
	// Status is the current lifecycle state.
	Status WorkItemStatus `json:"status" yaml:"status,omitempty"`
	// DependsOn lists item IDs that must be done before this item can run.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Priority is derived from the item's position in the dependency graph.
	Priority float64 `json:"priority" yaml:"-"`
	// Agent is the agent the action is routed to.
	Agent string `json:"agent,omitempty" yaml:"agent,omitempty"`
	// Action is the action type handed to the executor.
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
	// Context carries the contextual flags used for scoring and gating.
	Context ActionContext `json:"context" yaml:"context,omitempty"`
	// CreatedAt is when the item was created.
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	// UpdatedAt is when the item last changed status.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
	// CompletedAt is when the item reached a terminal status, if applicable.
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"-"`
	// Error contains the failure reason if the item failed.
	Error string `json:"error,omitempty" yaml:"-"`
}

// DependsOnID returns true if id is a direct dependency of the item.
func (w *WorkItem) DependsOnID(id string) bool {
	return slices.Contains(w.DependsOn, id)
}

// Clone returns a deep copy so callers never share mutable state with the graph.
func (w *WorkItem) Clone() *WorkItem {
	if w == nil {
		return nil
	}
	c := *w
	c.DependsOn = slices.Clone(w.DependsOn)
	c.Context = w.Context.Clone()
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
