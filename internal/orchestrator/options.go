package orchestrator

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/steward/internal/breaker"
	"github.com/ShayCichocki/steward/internal/confidence"
	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/graph"
	"github.com/ShayCichocki/steward/internal/health"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/internal/state"
)

// Defaults for optional settings.
const (
	DefaultBatchSize = 4
	DefaultInterval  = 10 * time.Second
)

// RequiredConfig contains the collaborators a Dispatcher cannot run without.
// All fields are required and have no defaults.
type RequiredConfig struct {
	Graph    *graph.DependencyGraph
	Scorer   *confidence.Scorer
	Gate     *gate.Gate
	Breakers *breaker.Supervisor
	Store    state.Store
	Executor Executor
}

func (r RequiredConfig) validate() error {
	var errs []error
	if r.Graph == nil {
		errs = append(errs, errors.New("graph is required"))
	}
	if r.Scorer == nil {
		errs = append(errs, errors.New("scorer is required"))
	}
	if r.Gate == nil {
		errs = append(errs, errors.New("gate is required"))
	}
	if r.Breakers == nil {
		errs = append(errs, errors.New("breakers are required"))
	}
	if r.Store == nil {
		errs = append(errs, errors.New("store is required"))
	}
	if r.Executor == nil {
		errs = append(errs, errors.New("executor is required"))
	}
	return errors.Join(errs...)
}

// Observer receives the outcome of every executed action.
type Observer interface {
	Observe(health.Observation)
}

// Option configures a Dispatcher. Use With* functions to create Options.
type Option func(*dispatcherOptions)

type dispatcherOptions struct {
	batchSize int
	interval  time.Duration
	approvals *ApprovalManager
	observer  Observer
	events    *EventEmitter
	pause     *PauseController
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// WithBatchSize sets how many items may run at once.
func WithBatchSize(n int) Option {
	return func(o *dispatcherOptions) { o.batchSize = n }
}

// WithInterval sets the dispatch tick used by Run.
func WithInterval(d time.Duration) Option {
	return func(o *dispatcherOptions) { o.interval = d }
}

// WithApprovals sets the approval manager for confirm decisions.
func WithApprovals(m *ApprovalManager) Option {
	return func(o *dispatcherOptions) { o.approvals = m }
}

// WithObserver sets where execution outcomes are reported, usually the health monitor.
func WithObserver(obs Observer) Option {
	return func(o *dispatcherOptions) { o.observer = obs }
}

// WithEvents sets the event emitter.
func WithEvents(e *EventEmitter) Option {
	return func(o *dispatcherOptions) { o.events = e }
}

// WithPauseController sets the pause controller.
func WithPauseController(p *PauseController) Option {
	return func(o *dispatcherOptions) { o.pause = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *dispatcherOptions) { o.logger = l }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *dispatcherOptions) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *dispatcherOptions) { o.now = now }
}
