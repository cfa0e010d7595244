package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/steward/internal/graph"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/pkg/models"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func add(t *testing.T, g *graph.DependencyGraph, id string, offset int, deps ...string) {
	t.Helper()
	require.NoError(t, g.Add(&models.WorkItem{
		ID:        id,
		DependsOn: deps,
		CreatedAt: epoch.Add(time.Duration(offset) * time.Minute),
	}))
}

func ids(items []*models.WorkItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestSweep_PromotesAndPrioritizes(t *testing.T) {
	g := graph.New()
	add(t, g, "a", 0)
	add(t, g, "b", 1, "a")

	var seen []SweepResult
	s := New(g, WithMetrics(metrics.New()), OnSweep(func(r SweepResult) { seen = append(seen, r) }))

	res := s.Sweep()
	assert.Equal(t, []string{"a"}, ids(res.Promoted))
	assert.Equal(t, 2, res.Reprioritized)
	require.Len(t, seen, 1)

	assert.Equal(t, models.WorkItemStatusReady, g.Get("a").Status)
	assert.Equal(t, models.WorkItemStatusPending, g.Get("b").Status)
	assert.InDelta(t, 0.8, g.Get("a").Priority, 1e-9)

	// Nothing changed, so no callback.
	s.Sweep()
	assert.Len(t, seen, 1)
}

func TestNextBatch_OrdersByPriorityThenAge(t *testing.T) {
	g := graph.New()
	add(t, g, "old", 0)
	add(t, g, "hub", 1)
	add(t, g, "young", 2)
	add(t, g, "child", 3, "hub")

	s := New(g)
	s.Sweep()

	batch := s.NextBatch(2)
	assert.Equal(t, []string{"hub", "old"}, ids(batch))
}

func TestNextBatch_CandidatePoolIsOldestReady(t *testing.T) {
	g := graph.New()
	for i := 0; i < 6; i++ {
		add(t, g, fmt.Sprintf("r%d", i), i)
	}
	// The newest item gains dependents but sits outside the 2*limit pool.
	add(t, g, "x", 10, "r5")
	add(t, g, "y", 11, "r5")

	s := New(g)
	s.Sweep()

	batch := s.NextBatch(2)
	assert.Equal(t, []string{"r0", "r1"}, ids(batch))
}

func TestNextBatchWhere_FiltersBeforePool(t *testing.T) {
	g := graph.New()
	for i := 0; i < 6; i++ {
		add(t, g, fmt.Sprintf("blocked%d", i), i)
	}
	add(t, g, "free", 10)

	s := New(g)
	s.Sweep()

	var asked []string
	batch := s.NextBatchWhere(1, func(it *models.WorkItem) bool {
		asked = append(asked, it.ID)
		return it.ID == "free"
	})
	assert.Equal(t, []string{"free"}, ids(batch), "ineligible items do not crowd the pool")
	assert.Len(t, asked, 7)

	assert.Empty(t, s.NextBatchWhere(3, func(*models.WorkItem) bool { return false }))
}

func TestNextBatch_NonPositiveLimit(t *testing.T) {
	s := New(graph.New())
	assert.Nil(t, s.NextBatch(0))
}

func TestRun_StopsOnCancel(t *testing.T) {
	g := graph.New()
	add(t, g, "a", 0)
	s := New(g, WithInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return g.Get("a").Status == models.WorkItemStatusReady
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
