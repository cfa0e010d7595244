// Package graph provides the dependency graph for work item scheduling.
package graph

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/steward/pkg/models"
)

// DependencyGraph holds work items and their depends-on edges.
// The item's DependsOn slice is the authoritative edge list; dependents is a
// derived index maintained alongside it.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps item ID to the item itself.
	nodes map[string]*models.WorkItem
	// dependents maps item ID to the IDs of items that depend on it.
	dependents map[string]map[string]struct{}
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a DependencyGraph.
type Option func(*DependencyGraph)

// WithLogger sets the logger used for debug tracing.
func WithLogger(l *zap.Logger) Option {
	return func(g *DependencyGraph) {
		if l != nil {
			g.logger = l.Named("graph")
		}
	}
}

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(g *DependencyGraph) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a new empty dependency graph.
func New(opts ...Option) *DependencyGraph {
	g := &DependencyGraph{
		nodes:      make(map[string]*models.WorkItem),
		dependents: make(map[string]map[string]struct{}),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Load replaces the graph contents with items restored from a store.
// Returns an error if an edge references an unknown item or the edges form a cycle.
func (g *DependencyGraph) Load(items []*models.WorkItem) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	nodes := make(map[string]*models.WorkItem, len(items))
	for _, item := range items {
		nodes[item.ID] = item.Clone()
	}

	dependents := make(map[string]map[string]struct{}, len(items))
	for _, item := range nodes {
		for _, depID := range item.DependsOn {
			if _, ok := nodes[depID]; !ok {
				return fmt.Errorf("item %s: %w", item.ID, &NotFoundError{ID: depID})
			}
			addIndex(dependents, depID, item.ID)
		}
	}

	old, oldDependents := g.nodes, g.dependents
	g.nodes, g.dependents = nodes, dependents
	if path := g.findCycleLocked(); path != nil {
		g.nodes, g.dependents = old, oldDependents
		return &CycleError{TaskID: path[0], DependsOnID: path[1], Path: path}
	}

	g.logger.Debug("graph loaded", zap.Int("items", len(nodes)))
	return nil
}

// Add inserts a new work item. Every id in DependsOn must already exist.
// The graph is unchanged if any dependency is rejected.
func (g *DependencyGraph) Add(item *models.WorkItem) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[item.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, item.ID)
	}
	seen := make(map[string]struct{}, len(item.DependsOn))
	for _, depID := range item.DependsOn {
		if depID == item.ID {
			return &CycleError{TaskID: item.ID, DependsOnID: depID, Path: []string{item.ID, item.ID}}
		}
		if _, ok := g.nodes[depID]; !ok {
			return &NotFoundError{ID: depID}
		}
		if _, dup := seen[depID]; dup {
			return fmt.Errorf("item %s lists dependency %s twice", item.ID, depID)
		}
		seen[depID] = struct{}{}
	}

	stored := item.Clone()
	if stored.Status == "" {
		stored.Status = models.WorkItemStatusPending
	}
	g.nodes[stored.ID] = stored
	for _, depID := range stored.DependsOn {
		addIndex(g.dependents, depID, stored.ID)
	}
	g.logger.Debug("item added", zap.String("id", stored.ID), zap.Strings("depends_on", stored.DependsOn))
	return nil
}

// AddDependency records that taskID depends on dependsOnID.
// Fails with *NotFoundError if either id is unknown and with *CycleError if
// taskID is already reachable from dependsOnID. The edge is stored only after
// both checks pass. Adding an existing edge is a no-op.
func (g *DependencyGraph) AddDependency(taskID, dependsOnID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[taskID]
	if !ok {
		return &NotFoundError{ID: taskID}
	}
	if _, ok := g.nodes[dependsOnID]; !ok {
		return &NotFoundError{ID: dependsOnID}
	}
	if task.DependsOnID(dependsOnID) {
		return nil
	}
	if path := g.pathLocked(dependsOnID, taskID); path != nil {
		g.logger.Debug("dependency rejected",
			zap.String("task", taskID), zap.String("depends_on", dependsOnID), zap.Strings("path", path))
		return &CycleError{TaskID: taskID, DependsOnID: dependsOnID, Path: append([]string{taskID}, path...)}
	}

	task.DependsOn = append(task.DependsOn, dependsOnID)
	addIndex(g.dependents, dependsOnID, taskID)
	if task.Status == models.WorkItemStatusReady && !g.depsDoneLocked(task) {
		task.Status = models.WorkItemStatusPending
		task.UpdatedAt = g.now()
	}
	g.logger.Debug("dependency added", zap.String("task", taskID), zap.String("depends_on", dependsOnID))
	return nil
}

// RemoveDependency deletes the edge if present. Unknown ids and missing edges are ignored.
func (g *DependencyGraph) RemoveDependency(taskID, dependsOnID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[taskID]
	if !ok {
		return
	}
	idx := slices.Index(task.DependsOn, dependsOnID)
	if idx < 0 {
		return
	}
	task.DependsOn = slices.Delete(task.DependsOn, idx, idx+1)
	if set := g.dependents[dependsOnID]; set != nil {
		delete(set, taskID)
		if len(set) == 0 {
			delete(g.dependents, dependsOnID)
		}
	}
	g.logger.Debug("dependency removed", zap.String("task", taskID), zap.String("depends_on", dependsOnID))
}

// Remove deletes an item that nothing depends on. Used to roll back an Add
// whose persistence failed.
func (g *DependencyGraph) Remove(taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[taskID]
	if !ok {
		return &NotFoundError{ID: taskID}
	}
	if len(g.dependents[taskID]) > 0 {
		return fmt.Errorf("item %s still has %d dependents", taskID, len(g.dependents[taskID]))
	}
	for _, depID := range task.DependsOn {
		if set := g.dependents[depID]; set != nil {
			delete(set, taskID)
			if len(set) == 0 {
				delete(g.dependents, depID)
			}
		}
	}
	delete(g.nodes, taskID)
	delete(g.dependents, taskID)
	return nil
}

// CanExecute returns true iff every dependency of taskID is done.
func (g *DependencyGraph) CanExecute(taskID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, ok := g.nodes[taskID]
	if !ok {
		return false, &NotFoundError{ID: taskID}
	}
	return g.depsDoneLocked(task), nil
}

func (g *DependencyGraph) depsDoneLocked(task *models.WorkItem) bool {
	for _, depID := range task.DependsOn {
		dep, ok := g.nodes[depID]
		if !ok || dep.Status != models.WorkItemStatusDone {
			return false
		}
	}
	return true
}

// ExecutionOrder returns ids in an order where every item comes after the
// dependencies that are also in ids. Ties are broken by priority descending,
// then creation time ascending. Uses Kahn's algorithm on the restricted subgraph.
func (g *DependencyGraph) ExecutionOrder(ids []string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := g.nodes[id]; !ok {
			return nil, &NotFoundError{ID: id}
		}
		inSet[id] = struct{}{}
	}

	inDegree := make(map[string]int, len(inSet))
	for id := range inSet {
		inDegree[id] = 0
	}
	for id := range inSet {
		for _, depID := range g.nodes[id].DependsOn {
			if _, ok := inSet[depID]; ok {
				inDegree[id]++
			}
		}
	}

	var queue []string
	for id, d := range inDegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(inSet))
	for len(queue) > 0 {
		g.sortByRankLocked(queue)
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for depID := range g.dependents[id] {
			if _, ok := inSet[depID]; !ok {
				continue
			}
			inDegree[depID]--
			if inDegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	if len(order) < len(inSet) {
		var stuck []string
		for id, d := range inDegree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{Path: stuck}
	}
	return order, nil
}

// sortByRankLocked orders ids by (priority desc, createdAt asc, id asc).
func (g *DependencyGraph) sortByRankLocked(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return rankLess(g.nodes[ids[i]], g.nodes[ids[j]])
	})
}

func rankLess(a, b *models.WorkItem) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Transition moves taskID from one status to another if its current status is from.
// Only one caller can win a given transition; the loser gets a *TransitionError.
func (g *DependencyGraph) Transition(taskID string, from, to models.WorkItemStatus, reason string) (*models.WorkItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[taskID]
	if !ok {
		return nil, &NotFoundError{ID: taskID}
	}
	if task.Status != from || !from.CanTransition(to) {
		return nil, &TransitionError{ID: taskID, From: from, To: to, Actual: task.Status}
	}

	now := g.now()
	task.Status = to
	task.UpdatedAt = now
	switch to {
	case models.WorkItemStatusDone, models.WorkItemStatusFailed:
		task.CompletedAt = &now
		task.Error = reason
	case models.WorkItemStatusReady:
		task.Error = ""
	}
	g.logger.Debug("status changed", zap.String("id", taskID),
		zap.String("from", string(from)), zap.String("to", string(to)))
	return task.Clone(), nil
}

// PromoteReady moves every pending item whose dependencies are all done to ready.
// Returns copies of the promoted items.
func (g *DependencyGraph) PromoteReady() []*models.WorkItem {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var promoted []*models.WorkItem
	for _, task := range g.nodes {
		if task.Status != models.WorkItemStatusPending || !g.depsDoneLocked(task) {
			continue
		}
		task.Status = models.WorkItemStatusReady
		task.UpdatedAt = now
		promoted = append(promoted, task.Clone())
	}
	sort.Slice(promoted, func(i, j int) bool { return promoted[i].ID < promoted[j].ID })
	return promoted
}

// Blocked returns pending items with at least one failed direct dependency.
func (g *DependencyGraph) Blocked() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var blocked []string
	for id, task := range g.nodes {
		if task.Status != models.WorkItemStatusPending {
			continue
		}
		for _, depID := range task.DependsOn {
			if dep := g.nodes[depID]; dep != nil && dep.Status == models.WorkItemStatusFailed {
				blocked = append(blocked, id)
				break
			}
		}
	}
	sort.Strings(blocked)
	return blocked
}

// Get returns a copy of the item, or nil if not found.
func (g *DependencyGraph) Get(taskID string) *models.WorkItem {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID].Clone()
}

// Size returns the number of items in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Snapshot returns copies of every item with one of the given statuses,
// or all items when no status is given. Results are ordered by creation time.
func (g *DependencyGraph) Snapshot(statuses ...models.WorkItemStatus) []*models.WorkItem {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*models.WorkItem
	for _, task := range g.nodes {
		if len(statuses) > 0 && !slices.Contains(statuses, task.Status) {
			continue
		}
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Dependencies returns the IDs the given item depends on.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if task, ok := g.nodes[taskID]; ok {
		return slices.Clone(task.DependsOn)
	}
	return nil
}

// Dependents returns the IDs of items that directly depend on the given item.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsLocked(taskID)
}

func (g *DependencyGraph) dependentsLocked(taskID string) []string {
	set := g.dependents[taskID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// pathLocked returns a dependency path from -> ... -> to, or nil if to is unreachable.
// Depth-first over DependsOn edges with a recursion stack; visited nodes are not re-explored.
func (g *DependencyGraph) pathLocked(from, to string) []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string

	var visit func(id string) bool
	visit = func(id string) bool {
		if id == to {
			stack = append(stack, id)
			return true
		}
		if visited[id] || onStack[id] {
			return false
		}
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		if task := g.nodes[id]; task != nil {
			for _, depID := range task.DependsOn {
				if visit(depID) {
					return true
				}
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return false
	}

	if visit(from) {
		return stack
	}
	return nil
}

// findCycleLocked returns the first cycle found as a path, or nil.
// Uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) findCycleLocked() []string {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.nodes[id].DependsOn {
			switch colors[depID] {
			case 1:
				start := slices.Index(stack, depID)
				cycle = append(slices.Clone(stack[start:]), depID)
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	set := index[key]
	if set == nil {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}
