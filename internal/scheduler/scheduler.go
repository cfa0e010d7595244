// Package scheduler ranks ready work items and keeps readiness and priority
// current through a periodic sweep.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/steward/internal/graph"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/pkg/models"
)

// DefaultSweepInterval is used when no interval is configured.
const DefaultSweepInterval = 10 * time.Second

// SweepResult summarizes one pass over the graph.
type SweepResult struct {
	// Promoted holds items moved from pending to ready.
	Promoted []*models.WorkItem
	// Reprioritized is the number of items whose priority changed.
	Reprioritized int
	// Blocked lists pending items stuck behind a failed dependency.
	Blocked []string
}

// Scheduler selects which ready items are dispatched next.
type Scheduler struct {
	// graph is the dependency graph of work items.
	graph *graph.DependencyGraph
	// interval is the period between sweeps in Run.
	interval time.Duration
	logger   *zap.Logger
	metrics  *metrics.Metrics
	// onSweep receives every non-empty sweep result.
	onSweep func(SweepResult)
	// sweepMu serializes sweeps so two passes never interleave promotions.
	sweepMu sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the sweep period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l.Named("scheduler")
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// OnSweep registers a callback invoked after each sweep that changed something.
func OnSweep(fn func(SweepResult)) Option {
	return func(s *Scheduler) { s.onSweep = fn }
}

// New creates a Scheduler over the given graph.
func New(g *graph.DependencyGraph, opts ...Option) *Scheduler {
	s := &Scheduler{
		graph:    g,
		interval: DefaultSweepInterval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep promotes pending items whose dependencies are done and recomputes
// priorities for every non-terminal item.
func (s *Scheduler) Sweep() SweepResult {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	start := time.Now()
	res := SweepResult{
		Promoted:      s.graph.PromoteReady(),
		Reprioritized: s.graph.RefreshPriorities(),
		Blocked:       s.graph.Blocked(),
	}

	counts := make(map[models.WorkItemStatus]int)
	for _, it := range s.graph.Snapshot() {
		counts[it.Status]++
	}
	s.metrics.ObserveSweep(time.Since(start), len(res.Promoted), counts)

	if len(res.Promoted) > 0 || res.Reprioritized > 0 {
		s.logger.Debug("sweep",
			zap.Int("promoted", len(res.Promoted)),
			zap.Int("reprioritized", res.Reprioritized),
			zap.Int("blocked", len(res.Blocked)))
		if s.onSweep != nil {
			s.onSweep(res)
		}
	}
	return res
}

// Eligible reports whether a ready item may be handed out now.
type Eligible func(item *models.WorkItem) bool

// NextBatch returns up to limit ready items ordered by priority descending,
// then creation time ascending. Only the 2*limit oldest ready items are
// considered, so a steady stream of high priority work cannot starve old items
// indefinitely.
func (s *Scheduler) NextBatch(limit int) []*models.WorkItem {
	return s.NextBatchWhere(limit, nil)
}

// NextBatchWhere is NextBatch over the ready items accepted by eligible. Items
// it rejects take no room in the candidate pool. A nil eligible accepts all.
func (s *Scheduler) NextBatchWhere(limit int, eligible Eligible) []*models.WorkItem {
	if limit <= 0 {
		return nil
	}

	// Snapshot is ordered by createdAt, so the pool is the oldest ready items.
	pool := s.graph.Snapshot(models.WorkItemStatusReady)
	if eligible != nil {
		kept := pool[:0]
		for _, it := range pool {
			if eligible(it) {
				kept = append(kept, it)
			}
		}
		pool = kept
	}
	if len(pool) > 2*limit {
		pool = pool[:2*limit]
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Priority != pool[j].Priority {
			return pool[i].Priority > pool[j].Priority
		}
		return pool[i].CreatedAt.Before(pool[j].CreatedAt)
	})

	if len(pool) > limit {
		pool = pool[:limit]
	}
	return pool
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep()
		}
	}
}
