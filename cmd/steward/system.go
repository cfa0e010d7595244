package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ShayCichocki/steward/internal/alert"
	"github.com/ShayCichocki/steward/internal/breaker"
	"github.com/ShayCichocki/steward/internal/confidence"
	"github.com/ShayCichocki/steward/internal/config"
	"github.com/ShayCichocki/steward/internal/exec"
	"github.com/ShayCichocki/steward/internal/gate"
	"github.com/ShayCichocki/steward/internal/graph"
	"github.com/ShayCichocki/steward/internal/health"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/internal/orchestrator"
	"github.com/ShayCichocki/steward/internal/state"
	"github.com/ShayCichocki/steward/pkg/models"
)

// eventBuffer is the capacity of the dispatcher's event channel.
const eventBuffer = 256

// errOffline is returned by the executor used by the task subcommands, which
// edit the store but never dispatch.
var errOffline = errors.New("dispatching is disabled outside 'steward run'")

// system is every component of a running steward, wired together.
type system struct {
	cfg         *config.Config
	logger      *zap.Logger
	metrics     *metrics.Metrics
	breakers    *breaker.Supervisor
	scorer      *confidence.Scorer
	gate        *gate.Gate
	state       *health.StateMachine
	monitor     *health.Monitor
	coordinator *health.Coordinator
	events      *orchestrator.EventEmitter
	dispatcher  *orchestrator.Dispatcher
}

// newSystem builds the components in dependency order. Hooks that point back
// at the dispatcher are closures so they can be registered before it exists.
func newSystem(cfg *config.Config, logger *zap.Logger, db *state.DB, m *metrics.Metrics,
	executor orchestrator.Executor, sink alert.Sink) (*system, error) {
	s := &system{cfg: cfg, logger: logger, metrics: m}
	var d *orchestrator.Dispatcher

	s.breakers = breaker.NewSupervisor(cfg.BreakerSettings(),
		breaker.WithLogger(logger),
		breaker.WithMetrics(s.metrics),
		breaker.OnTransition(func(key string, from, to breaker.State) {
			if d != nil {
				d.BreakerTransition(key, from, to)
			}
		}))

	var err error
	s.scorer, err = confidence.New(cfg.ScorerSettings(), db,
		orchestrator.NewProfiles(cfg.Agents),
		orchestrator.BreakerResources{Breakers: s.breakers},
		confidence.WithLogger(logger),
		confidence.WithMetrics(s.metrics))
	if err != nil {
		return nil, fmt.Errorf("create scorer: %w", err)
	}

	s.gate, err = gate.New(cfg.Gate.Thresholds, cfg.Gate.ConservativeStep,
		gate.WithLogger(logger),
		gate.WithMetrics(s.metrics))
	if err != nil {
		return nil, fmt.Errorf("create gate: %w", err)
	}

	s.state = health.NewStateMachine(time.Now)
	s.monitor = health.NewMonitor(cfg.MonitorSettings(), s.state,
		health.WithBreakers(s.breakers),
		health.WithExemption(func(source string) bool { return d != nil && d.Held(source) }),
		health.WithMonitorLogger(logger),
		health.WithMonitorMetrics(s.metrics))

	s.events = orchestrator.NewEventEmitter(eventBuffer, logger)
	d, err = orchestrator.New(orchestrator.RequiredConfig{
		Graph:    graph.New(graph.WithLogger(logger)),
		Scorer:   s.scorer,
		Gate:     s.gate,
		Breakers: s.breakers,
		Store:    db,
		Executor: executor,
	},
		orchestrator.WithBatchSize(cfg.Scheduler.BatchSize),
		orchestrator.WithInterval(cfg.Scheduler.SweepInterval),
		orchestrator.WithApprovals(orchestrator.NewApprovalManager(cfg.Approval.Timeout, logger)),
		orchestrator.WithObserver(s.monitor),
		orchestrator.WithEvents(s.events),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(s.metrics))
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	s.dispatcher = d

	s.coordinator = health.NewCoordinator(cfg.RecoverySettings(), s.monitor, s.state, sink,
		health.WithGate(s.gate),
		health.WithTrend(s.monitor),
		health.WithSettleInterval(cfg.Health.CheckInterval),
		health.WithCoordinatorLogger(logger),
		health.WithCoordinatorMetrics(s.metrics),
		health.OnAttempt(d.RecoveryAttempt))
	orchestrator.Strategies{
		Dispatcher: d,
		Breakers:   s.breakers,
		Monitor:    s.monitor,
		Scorer:     s.scorer,
		Logger:     logger,
	}.Register(s.coordinator)
	s.monitor.OnSignal(s.coordinator.HandleSignal)
	s.state.Listen(d.HealthChanged)

	return s, nil
}

// offlineSystem builds a system whose dispatcher can edit the store but not
// run anything, and loads the persisted graph into it.
func offlineSystem(ctx context.Context, cfg *config.Config, db *state.DB) (*system, error) {
	logger := zap.NewNop()
	executor := orchestrator.ExecutorFunc(func(context.Context, *models.WorkItem, models.ExecutionMode) error {
		return errOffline
	})
	s, err := newSystem(cfg, logger, db, nil, executor, alert.NewLogSink(logger))
	if err != nil {
		return nil, err
	}
	// Nobody reads events here.
	s.events.Close()
	if _, err := s.dispatcher.Load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// newExecutor picks the action executor from configuration. A NATS subject
// takes precedence over a local command.
func newExecutor(cfg *config.Config, nc *nats.Conn, logger *zap.Logger) (orchestrator.Executor, error) {
	switch {
	case cfg.Executor.Subject != "":
		if nc == nil {
			return nil, fmt.Errorf("executor.subject %q needs nats.url", cfg.Executor.Subject)
		}
		return exec.NewNATSExecutor(nc, cfg.Executor.Subject, cfg.Executor.Timeout), nil
	case len(cfg.Executor.Command) > 0:
		return exec.NewCommandExecutor(exec.NewRunner(), cfg.Executor.Command, cfg.Executor.Timeout, logger)
	default:
		return nil, errors.New("no executor configured: set executor.command or executor.subject")
	}
}

// newAlertSink logs every alert and, with a NATS connection, publishes it.
// Each destination is rate limited separately.
func newAlertSink(cfg *config.Config, nc *nats.Conn, logger *zap.Logger, m *metrics.Metrics) alert.Sink {
	sinks := alert.Fanout{alert.NewLimited("log", alert.NewLogSink(logger), cfg.Alert.RatePerMinute, m)}
	if nc != nil && cfg.NATS.AlertSubject != "" {
		sinks = append(sinks, alert.NewLimited("nats", alert.NewNATSSink(nc, cfg.NATS.AlertSubject), cfg.Alert.RatePerMinute, m))
	}
	return sinks
}
