//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ShayCichocki/steward/internal/breaker"
	"github.com/ShayCichocki/steward/internal/config"
	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/orchestrator"
	"github.com/ShayCichocki/steward/pkg/models"
)

// actionScript appends each action to $PIPELINE_LOG and fails the "explode" action.
const actionScript = `printf '%s\n' "$STEWARD_ACTION" >> "$PIPELINE_LOG"
if [ "$STEWARD_ACTION" = explode ]; then echo "boom"; exit 3; fi`

func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "actions.log")
	t.Setenv("PIPELINE_LOG", logPath)

	cfg := config.Default()
	cfg.Store.Path = filepath.Join(dir, "steward.db")
	cfg.Gate.Thresholds = gate.Thresholds{Direct: 0, Assisted: 0, Hybrid: 0, CriticalOverride: 1}
	cfg.Executor.Command = []string{"sh", "-c", actionScript}
	cfg.Breaker.FailureThreshold = 1
	return cfg, logPath
}

func readActions(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	return strings.Fields(string(data))
}

// TestPipelineRunsDependencyChain submits a chain and checks that the command
// executor ran it in dependency order with every outcome persisted.
func TestPipelineRunsDependencyChain(t *testing.T) {
	cfg, logPath := testConfig(t)
	p := newPipeline(t, cfg)
	ctx := context.Background()

	submit := func(action string, deps ...string) string {
		item, err := p.d.Submit(ctx, orchestrator.SubmitRequest{
			Description: action + " step",
			Action:      action,
			Agent:       "builder",
			DependsOn:   deps,
		})
		if err != nil {
			t.Fatalf("Submit(%s) error = %v", action, err)
		}
		return item.ID
	}
	compile := submit("compile")
	test := submit("test", compile)
	release := submit("release", test)

	p.drain(t)

	got := readActions(t, logPath)
	want := []string{"compile", "test", "release"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("actions = %v, want %v", got, want)
	}

	for _, id := range []string{compile, test, release} {
		item := p.stored(t, id)
		if item.Status != models.WorkItemStatusDone {
			t.Errorf("item %s status = %s, want done", id, item.Status)
		}
		if item.CompletedAt == nil {
			t.Errorf("item %s has no completion time", id)
		}
		decisions, err := p.db.ListDecisions(ctx, id, 0)
		if err != nil {
			t.Fatalf("ListDecisions() error = %v", err)
		}
		if len(decisions) != 1 || decisions[0].Mode != models.ModeDirect {
			t.Errorf("item %s decisions = %+v, want one direct decision", id, decisions)
		}
	}
}

// TestPipelineFailureOpensBreaker checks that a failing command fails its item,
// blocks its dependents, and leaves an open breaker in the store.
func TestPipelineFailureOpensBreaker(t *testing.T) {
	cfg, logPath := testConfig(t)
	p := newPipeline(t, cfg)
	ctx := context.Background()

	bad, err := p.d.Submit(ctx, orchestrator.SubmitRequest{Description: "risky", Action: "explode", Agent: "flaky"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	after, err := p.d.Submit(ctx, orchestrator.SubmitRequest{Description: "cleanup", Action: "cleanup", Agent: "builder", DependsOn: []string{bad.ID}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	other, err := p.d.Submit(ctx, orchestrator.SubmitRequest{Description: "unrelated", Action: "lint", Agent: "builder"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	p.drain(t)

	failed := p.stored(t, bad.ID)
	if failed.Status != models.WorkItemStatusFailed {
		t.Fatalf("status = %s, want failed", failed.Status)
	}
	if !strings.Contains(failed.Error, "boom") {
		t.Errorf("error = %q, want command output", failed.Error)
	}
	if got := p.stored(t, after.ID).Status; got != models.WorkItemStatusPending {
		t.Errorf("dependent status = %s, want pending", got)
	}
	if got := p.stored(t, other.ID).Status; got != models.WorkItemStatusDone {
		t.Errorf("unrelated status = %s, want done", got)
	}
	for _, action := range readActions(t, logPath) {
		if action == "cleanup" {
			t.Error("dependent of a failed item was executed")
		}
	}

	snaps, err := p.db.ListBreakerSnapshots(ctx)
	if err != nil {
		t.Fatalf("ListBreakerSnapshots() error = %v", err)
	}
	var found bool
	for _, s := range snaps {
		if s.Key == "flaky" {
			found = true
			if s.State != breaker.Open {
				t.Errorf("breaker state = %s, want open", s.State)
			}
		}
	}
	if !found {
		t.Errorf("no snapshot for breaker flaky in %+v", snaps)
	}
}
