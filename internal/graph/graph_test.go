package graph

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/steward/pkg/models"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func item(id string, offset int, deps ...string) *models.WorkItem {
	return &models.WorkItem{
		ID:        id,
		DependsOn: deps,
		CreatedAt: epoch.Add(time.Duration(offset) * time.Second),
	}
}

func newGraph(t *testing.T, items ...*models.WorkItem) *DependencyGraph {
	t.Helper()
	g := New()
	for _, it := range items {
		require.NoError(t, g.Add(it))
	}
	return g
}

func TestAdd_DefaultsToPending(t *testing.T) {
	g := newGraph(t, item("a", 0))
	assert.Equal(t, models.WorkItemStatusPending, g.Get("a").Status)
}

func TestAdd_RejectsUnknownDependency(t *testing.T) {
	g := New()
	err := g.Add(item("a", 0, "missing"))

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)
	assert.Equal(t, 0, g.Size())
}

func TestAdd_RejectsSelfLoop(t *testing.T) {
	g := New()
	err := g.Add(item("a", 0, "a"))
	assert.ErrorIs(t, err, ErrCycle)
	assert.Equal(t, 0, g.Size())
}

func TestAdd_RejectsDuplicate(t *testing.T) {
	g := newGraph(t, item("a", 0))
	assert.ErrorIs(t, g.Add(item("a", 1)), ErrDuplicate)
}

func TestAddDependency_CycleRejectedGraphUnchanged(t *testing.T) {
	g := newGraph(t, item("a", 0), item("b", 1))

	require.NoError(t, g.AddDependency("a", "b"))
	err := g.AddDependency("b", "a")

	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.True(t, errors.Is(err, ErrCycle))
	assert.Equal(t, "b", ce.TaskID)
	assert.Equal(t, "a", ce.DependsOnID)

	assert.Equal(t, []string{"b"}, g.Dependencies("a"))
	assert.Empty(t, g.Dependencies("b"))
	assert.Equal(t, []string{"a"}, g.Dependents("b"))
	assert.Empty(t, g.Dependents("a"))
}

func TestAddDependency_TransitiveCycle(t *testing.T) {
	g := newGraph(t, item("a", 0), item("b", 1, "a"), item("c", 2, "b"))

	err := g.AddDependency("a", "c")
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "c", "b", "a"}, ce.Path)
	assert.Empty(t, g.Dependencies("a"))
}

func TestAddDependency_SelfEdge(t *testing.T) {
	g := newGraph(t, item("a", 0))
	assert.ErrorIs(t, g.AddDependency("a", "a"), ErrCycle)
}

func TestAddDependency_UnknownIDs(t *testing.T) {
	g := newGraph(t, item("a", 0))
	assert.ErrorIs(t, g.AddDependency("a", "nope"), ErrNotFound)
	assert.ErrorIs(t, g.AddDependency("nope", "a"), ErrNotFound)
}

func TestAddDependency_Idempotent(t *testing.T) {
	g := newGraph(t, item("a", 0), item("b", 1))
	require.NoError(t, g.AddDependency("b", "a"))
	require.NoError(t, g.AddDependency("b", "a"))
	assert.Equal(t, []string{"a"}, g.Dependencies("b"))
}

func TestAddDependency_DemotesReadyItem(t *testing.T) {
	g := newGraph(t, item("a", 0), item("b", 1))
	g.PromoteReady()
	require.Equal(t, models.WorkItemStatusReady, g.Get("b").Status)

	require.NoError(t, g.AddDependency("b", "a"))
	assert.Equal(t, models.WorkItemStatusPending, g.Get("b").Status)
}

func TestRemoveDependency(t *testing.T) {
	g := newGraph(t, item("a", 0), item("b", 1, "a"))

	g.RemoveDependency("b", "a")
	assert.Empty(t, g.Dependencies("b"))
	assert.Empty(t, g.Dependents("a"))

	// Absent edges and unknown ids are no-ops.
	g.RemoveDependency("b", "a")
	g.RemoveDependency("zzz", "a")
}

func TestRemove(t *testing.T) {
	g := newGraph(t, item("a", 0), item("b", 1, "a"))

	require.Error(t, g.Remove("a"), "a still has a dependent")
	require.NoError(t, g.Remove("b"))
	assert.Nil(t, g.Get("b"))
	assert.Empty(t, g.Dependents("a"))
	require.NoError(t, g.Remove("a"))
	assert.Equal(t, 0, g.Size())

	var nf *NotFoundError
	assert.ErrorAs(t, g.Remove("a"), &nf)
}

func TestCanExecute(t *testing.T) {
	g := newGraph(t, item("a", 0), item("b", 1), item("c", 2, "a", "b"))

	ok, err := g.CanExecute("c")
	require.NoError(t, err)
	assert.False(t, ok)

	complete(t, g, "a")
	ok, _ = g.CanExecute("c")
	assert.False(t, ok, "one dependency still pending")

	complete(t, g, "b")
	ok, _ = g.CanExecute("c")
	assert.True(t, ok)

	_, err = g.CanExecute("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCanExecute_FailedDependencyBlocks(t *testing.T) {
	g := newGraph(t, item("a", 0), item("b", 1, "a"))
	g.PromoteReady()
	_, err := g.Transition("a", models.WorkItemStatusReady, models.WorkItemStatusRunning, "")
	require.NoError(t, err)
	_, err = g.Transition("a", models.WorkItemStatusRunning, models.WorkItemStatusFailed, "boom")
	require.NoError(t, err)

	ok, _ := g.CanExecute("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, g.Blocked())
}

func TestExecutionOrder_Chain(t *testing.T) {
	g := newGraph(t, item("A", 0), item("B", 1, "A"), item("C", 2, "B"))

	order, err := g.ExecutionOrder([]string{"C", "A", "B"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestExecutionOrder_TieBreak(t *testing.T) {
	g := newGraph(t, item("late", 5), item("early", 1), item("hub", 3))
	require.NoError(t, g.Add(item("x", 6, "hub")))
	g.RefreshPriorities()

	order, err := g.ExecutionOrder([]string{"late", "early", "hub"})
	require.NoError(t, err)
	// hub has a dependent so it ranks first; the rest fall back to createdAt.
	assert.Equal(t, []string{"hub", "early", "late"}, order)
}

func TestExecutionOrder_RestrictedSubset(t *testing.T) {
	g := newGraph(t, item("a", 0), item("b", 1, "a"), item("c", 2, "b"))

	order, err := g.ExecutionOrder([]string{"c", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, order)
}

func TestExecutionOrder_UnknownID(t *testing.T) {
	g := newGraph(t, item("a", 0))
	_, err := g.ExecutionOrder([]string{"a", "b"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutionOrder_CorruptedCycle(t *testing.T) {
	g := newGraph(t, item("a", 0), item("b", 1, "a"))
	// Simulate an edge that bypassed AddDependency.
	g.nodes["a"].DependsOn = append(g.nodes["a"].DependsOn, "b")
	addIndex(g.dependents, "b", "a")

	_, err := g.ExecutionOrder([]string{"a", "b"})
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b"}, ce.Path)

	// Depth traversal terminates on the corrupted data.
	_, err = g.MaxDependencyDepth("a")
	assert.NoError(t, err)
}

func TestExecutionOrder_TopologicalValidity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 25; round++ {
		g := New()
		n := 5 + rng.Intn(20)
		ids := make([]string, n)
		for i := 0; i < n; i++ {
			ids[i] = fmt.Sprintf("t%02d", i)
			require.NoError(t, g.Add(item(ids[i], rng.Intn(100))))
		}
		// Edges only point from higher to lower index, so the graph stays acyclic.
		for i := 1; i < n; i++ {
			for j := 0; j < i; j++ {
				if rng.Float64() < 0.2 {
					require.NoError(t, g.AddDependency(ids[i], ids[j]))
				}
			}
		}
		g.RefreshPriorities()

		subset := make([]string, 0, n)
		for _, id := range ids {
			if rng.Float64() < 0.7 {
				subset = append(subset, id)
			}
		}

		order, err := g.ExecutionOrder(subset)
		require.NoError(t, err)
		require.Len(t, order, len(subset))

		pos := make(map[string]int, len(order))
		for i, id := range order {
			pos[id] = i
		}
		for _, id := range order {
			for _, dep := range g.Dependencies(id) {
				if p, ok := pos[dep]; ok {
					assert.Less(t, p, pos[id], "round %d: %s must come after %s", round, id, dep)
				}
			}
		}
	}
}

func TestPriority_Chain(t *testing.T) {
	g := newGraph(t, item("A", 0), item("B", 1, "A"), item("C", 2, "B"))

	tests := []struct {
		id   string
		want float64
	}{
		{"A", 0.8}, // one dependent, depth 0
		{"B", 1.0}, // one dependent, depth 1
		{"C", 0.9}, // no dependents, depth 2
	}
	for _, tt := range tests {
		got, err := g.Priority(tt.id)
		require.NoError(t, err)
		assert.InDelta(t, tt.want, got, 1e-9, tt.id)
	}

	depth, err := g.MaxDependencyDepth("C")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestPriority_Monotonic(t *testing.T) {
	g := newGraph(t, item("t", 0))
	prev, err := g.Priority("t")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, prev, 1e-9)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("d%d", i)
		require.NoError(t, g.Add(item(id, i+1)))
		require.NoError(t, g.AddDependency(id, "t"))

		p, err := g.Priority("t")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, p, prev)
		assert.LessOrEqual(t, p, 1.0)
		prev = p
	}
}

func TestRefreshPriorities_SkipsTerminal(t *testing.T) {
	g := newGraph(t, item("a", 0), item("b", 1, "a"))
	complete(t, g, "a")

	g.RefreshPriorities()
	assert.Zero(t, g.Get("a").Priority)
	assert.InDelta(t, 0.7, g.Get("b").Priority, 1e-9)
}

func TestTransition_CompareAndSet(t *testing.T) {
	g := newGraph(t, item("a", 0))
	g.PromoteReady()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Transition("a", models.WorkItemStatusReady, models.WorkItemStatusRunning, ""); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestTransition_RejectsIllegalStep(t *testing.T) {
	g := newGraph(t, item("a", 0))
	_, err := g.Transition("a", models.WorkItemStatusPending, models.WorkItemStatusDone, "")
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, models.WorkItemStatusPending, te.Actual)
}

func TestLoad(t *testing.T) {
	g := New()
	err := g.Load([]*models.WorkItem{item("a", 0, "b"), item("b", 1, "a")})
	assert.ErrorIs(t, err, ErrCycle)
	assert.Equal(t, 0, g.Size(), "failed load leaves graph untouched")

	err = g.Load([]*models.WorkItem{item("a", 0, "ghost")})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, g.Load([]*models.WorkItem{item("a", 0), item("b", 1, "a")}))
	assert.Equal(t, []string{"b"}, g.Dependents("a"))
}

func TestSnapshot_ReturnsCopies(t *testing.T) {
	g := newGraph(t, item("a", 0), item("b", 1))
	snap := g.Snapshot(models.WorkItemStatusPending)
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)

	snap[0].Status = models.WorkItemStatusDone
	assert.Equal(t, models.WorkItemStatusPending, g.Get("a").Status)
}

func complete(t *testing.T, g *DependencyGraph, id string) {
	t.Helper()
	g.PromoteReady()
	_, err := g.Transition(id, models.WorkItemStatusReady, models.WorkItemStatusRunning, "")
	require.NoError(t, err)
	_, err = g.Transition(id, models.WorkItemStatusRunning, models.WorkItemStatusDone, "")
	require.NoError(t, err)
}
