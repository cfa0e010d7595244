//go:build integration

package integration

import (
	"context"
	"testing"

	"github.com/ShayCichocki/steward/internal/breaker"
	"github.com/ShayCichocki/steward/internal/confidence"
	"github.com/ShayCichocki/steward/internal/config"
	"github.com/ShayCichocki/steward/internal/exec"
	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/graph"
	"github.com/ShayCichocki/steward/internal/orchestrator"
	"github.com/ShayCichocki/steward/internal/state"
	"github.com/ShayCichocki/steward/pkg/models"
)

// pipeline is a dispatcher wired from configuration against a SQLite store.
type pipeline struct {
	db       *state.DB
	breakers *breaker.Supervisor
	d        *orchestrator.Dispatcher
}

func newPipeline(t *testing.T, cfg *config.Config) *pipeline {
	t.Helper()

	db, err := state.Open(cfg.Store.Path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	p := &pipeline{db: db}
	p.breakers = breaker.NewSupervisor(cfg.BreakerSettings(),
		breaker.OnTransition(func(key string, from, to breaker.State) {
			if p.d != nil {
				p.d.BreakerTransition(key, from, to)
			}
		}))

	scorer, err := confidence.New(cfg.ScorerSettings(), db,
		orchestrator.NewProfiles(cfg.Agents),
		orchestrator.BreakerResources{Breakers: p.breakers})
	if err != nil {
		t.Fatalf("confidence.New() error = %v", err)
	}
	g, err := gate.New(cfg.Gate.Thresholds, cfg.Gate.ConservativeStep)
	if err != nil {
		t.Fatalf("gate.New() error = %v", err)
	}
	executor, err := exec.NewCommandExecutor(exec.NewRunner(), cfg.Executor.Command, cfg.Executor.Timeout, nil)
	if err != nil {
		t.Fatalf("NewCommandExecutor() error = %v", err)
	}

	p.d, err = orchestrator.New(orchestrator.RequiredConfig{
		Graph:    graph.New(),
		Scorer:   scorer,
		Gate:     g,
		Breakers: p.breakers,
		Store:    db,
		Executor: executor,
	}, orchestrator.WithBatchSize(cfg.Scheduler.BatchSize))
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	return p
}

// drain dispatches until a round starts nothing.
func (p *pipeline) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		started, err := p.d.DispatchOnce(ctx)
		if err != nil {
			t.Fatalf("DispatchOnce() error = %v", err)
		}
		p.d.Wait()
		if len(started) == 0 {
			return
		}
	}
	t.Fatal("dispatcher did not settle after 20 rounds")
}

func (p *pipeline) stored(t *testing.T, id string) *models.WorkItem {
	t.Helper()
	item, err := p.db.GetWorkItem(context.Background(), id)
	if err != nil {
		t.Fatalf("GetWorkItem(%s) error = %v", id, err)
	}
	if item == nil {
		t.Fatalf("GetWorkItem(%s) = nil", id)
	}
	return item
}
