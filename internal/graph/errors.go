package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/steward/pkg/models"
)

var (
	// ErrCycle indicates a dependency edge would close a cycle.
	ErrCycle = errors.New("circular dependency detected")
	// ErrNotFound indicates an unknown work item id.
	ErrNotFound = errors.New("work item not found")
	// ErrDuplicate indicates an id is already present in the graph.
	ErrDuplicate = errors.New("work item already exists")
	// ErrInvalidTransition indicates a rejected status change.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CycleError reports the edge (or restricted set) that could not be ordered.
type CycleError struct {
	TaskID      string
	DependsOnID string
	// Path lists the ids involved in the cycle, when known.
	Path []string
}

func (e *CycleError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("%v: cannot order %s", ErrCycle, strings.Join(e.Path, ", "))
	}
	if len(e.Path) > 0 {
		return fmt.Sprintf("%v: %s -> %s (%s)", ErrCycle, e.TaskID, e.DependsOnID, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("%v: %s -> %s", ErrCycle, e.TaskID, e.DependsOnID)
}

func (e *CycleError) Is(target error) bool { return target == ErrCycle }

// NotFoundError names the unknown id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v: %s", ErrNotFound, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransitionError is returned when a compare-and-set status change loses.
type TransitionError struct {
	ID     string
	From   models.WorkItemStatus
	To     models.WorkItemStatus
	Actual models.WorkItemStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s %s -> %s (current %s)", ErrInvalidTransition, e.ID, e.From, e.To, e.Actual)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
