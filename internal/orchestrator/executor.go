package orchestrator

import (
	"context"

	"github.com/ShayCichocki/steward/pkg/models"
)

// DefaultCollaborator keys the breaker of items that name no agent.
const DefaultCollaborator = "default"

// Executor runs an action in the mode the gate chose. Steward does not
// implement agent-specific execution itself.
type Executor interface {
	Execute(ctx context.Context, item *models.WorkItem, mode models.ExecutionMode) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, item *models.WorkItem, mode models.ExecutionMode) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, item *models.WorkItem, mode models.ExecutionMode) error {
	return f(ctx, item, mode)
}

// CollaboratorKey names the collaborator an item's action calls out to. It
// keys circuit breakers and health observations.
func CollaboratorKey(item *models.WorkItem) string {
	if item.Agent == "" {
		return DefaultCollaborator
	}
	return item.Agent
}
