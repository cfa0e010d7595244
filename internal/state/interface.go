package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/steward/internal/breaker"
	"github.com/ShayCichocki/steward/internal/confidence"
	"github.com/ShayCichocki/steward/pkg/models"
)

// WorkItemStore handles work item persistence.
type WorkItemStore interface {
	LoadWorkItems(ctx context.Context, ids []string) ([]*models.WorkItem, error)
	SaveWorkItem(ctx context.Context, item *models.WorkItem) error
	SaveWorkItems(ctx context.Context, items []*models.WorkItem) error
	QueryWorkItems(ctx context.Context, statuses ...models.WorkItemStatus) ([]*models.WorkItem, error)
	// RequeueInterrupted moves items left running by a previous process back to ready.
	RequeueInterrupted(ctx context.Context) ([]string, error)
}

// DecisionLog is the append-only audit log of execution decisions.
type DecisionLog interface {
	AppendDecision(ctx context.Context, d models.ExecutionDecision) error
}

// BreakerStore persists breaker snapshots for out-of-process inspection.
type BreakerStore interface {
	SaveBreakerSnapshots(ctx context.Context, snaps []breaker.Snapshot) error
	ListBreakerSnapshots(ctx context.Context) ([]breaker.Snapshot, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store is everything the dispatcher persists. It composes focused
// sub-interfaces so callers can depend on only what they use.
type Store interface {
	io.Closer
	Migrator
	WorkItemStore
	DecisionLog
	BreakerStore
	confidence.OutcomeRecorder
	confidence.HistoryProvider
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store                      = (*DB)(nil)
	_ WorkItemStore              = (*DB)(nil)
	_ DecisionLog                = (*DB)(nil)
	_ BreakerStore               = (*DB)(nil)
	_ confidence.OutcomeRecorder = (*DB)(nil)
	_ confidence.HistoryProvider = (*DB)(nil)
)
