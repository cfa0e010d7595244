package graph

import "go.uber.org/zap"

const (
	basePriority    = 0.5
	dependentWeight = 0.3
	depthWeight     = 0.2
	maxPriority     = 1.0
)

// Priority returns min(1, 0.5 + 0.3*|dependents| + 0.2*maxDependencyDepth).
func (g *DependencyGraph) Priority(taskID string) (float64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[taskID]; !ok {
		return 0, &NotFoundError{ID: taskID}
	}
	return g.priorityLocked(taskID, make(map[string]int)), nil
}

// MaxDependencyDepth returns the length of the longest dependency chain below taskID.
// An item without dependencies has depth 0.
func (g *DependencyGraph) MaxDependencyDepth(taskID string) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[taskID]; !ok {
		return 0, &NotFoundError{ID: taskID}
	}
	return g.depthLocked(taskID, make(map[string]int), make(map[string]bool)), nil
}

func (g *DependencyGraph) priorityLocked(taskID string, memo map[string]int) float64 {
	dependents := len(g.dependents[taskID])
	depth := g.depthLocked(taskID, memo, make(map[string]bool))
	return min(maxPriority, basePriority+dependentWeight*float64(dependents)+depthWeight*float64(depth))
}

// depthLocked threads an in-progress set through the recursion so a corrupted
// graph terminates instead of looping. Completed depths are memoized.
func (g *DependencyGraph) depthLocked(taskID string, memo map[string]int, inProgress map[string]bool) int {
	if d, ok := memo[taskID]; ok {
		return d
	}
	if inProgress[taskID] {
		g.logger.Warn("cycle encountered while computing depth", zap.String("id", taskID))
		return 0
	}
	inProgress[taskID] = true
	defer delete(inProgress, taskID)

	task := g.nodes[taskID]
	if task == nil {
		return 0
	}
	best := 0
	for _, depID := range task.DependsOn {
		if d := 1 + g.depthLocked(depID, memo, inProgress); d > best {
			best = d
		}
	}
	memo[taskID] = best
	return best
}

// RefreshPriorities recomputes the stored priority of every non-terminal item.
// Returns the number of items whose priority changed.
func (g *DependencyGraph) RefreshPriorities() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	memo := make(map[string]int, len(g.nodes))
	changed := 0
	for id, task := range g.nodes {
		if task.Status.Terminal() {
			continue
		}
		if p := g.priorityLocked(id, memo); p != task.Priority {
			task.Priority = p
			changed++
		}
	}
	return changed
}
