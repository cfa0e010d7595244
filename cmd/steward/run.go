package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/steward/internal/config"
	"github.com/ShayCichocki/steward/internal/intake"
	"github.com/ShayCichocki/steward/internal/logging"
	"github.com/ShayCichocki/steward/internal/metrics"
	"github.com/ShayCichocki/steward/internal/orchestrator"
	"github.com/ShayCichocki/steward/internal/state"
)

// maintenanceInterval is how often old attempts and executions are purged.
const maintenanceInterval = time.Hour

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler daemon",
	Long: `Run the steward daemon until interrupted.

The daemon restores persisted work items, dispatches ready items through the
confidence gate and circuit breakers, watches system health, and recovers
from failures. With nats.url set it also accepts work items on
nats.intake_subject, publishes alerts, and exchanges approvals on
nats.approval_subject.

On unix, SIGUSR1 pauses dispatching and SIGUSR2 resumes it. Items already
running finish either way.

Prometheus metrics are served on metrics.addr at /metrics.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logging.Sync(logger) }()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	nc, err := connectNATS(cfg, logger)
	if err != nil {
		return err
	}
	if nc != nil {
		defer func() { _ = nc.Drain() }()
	}

	executor, err := newExecutor(cfg, nc, logger)
	if err != nil {
		return err
	}
	m := metrics.New()
	sys, err := newSystem(cfg, logger, db, m, executor, newAlertSink(cfg, nc, logger, m))
	if err != nil {
		return err
	}
	if err := sys.dispatcher.Restore(ctx); err != nil {
		return err
	}

	watchConfig(sys)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sys.monitor.Run(gctx) })
	g.Go(func() error { return sys.coordinator.Run(gctx, maintenanceInterval) })
	g.Go(func() error { return sys.dispatcher.Run(gctx) })
	g.Go(func() error { return logEvents(gctx, sys.events, logger) })
	g.Go(func() error { return purgeExecutions(gctx, db, cfg, logger) })
	if pauseSignal != nil {
		ctl := make(chan os.Signal, 1)
		signal.Notify(ctl, pauseSignal, resumeSignal)
		defer signal.Stop(ctl)
		g.Go(func() error { return controlDispatch(gctx, ctl, sys.dispatcher.PauseController(), logger) })
	}
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, m, logger) })
	}
	var srv *intake.Server
	if nc != nil {
		srv = intake.New(intake.Config{
			IntakeSubject:   cfg.NATS.IntakeSubject,
			ApprovalSubject: cfg.NATS.ApprovalSubject,
		}, nc, sys.dispatcher, sys.dispatcher.Approvals(), logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	if !forwardsApprovals(srv) {
		g.Go(func() error { return logApprovals(gctx, sys.dispatcher.Approvals(), logger) })
	}

	logger.Info("steward running",
		zap.String("store", cfg.Store.Path),
		zap.String("metrics", cfg.Metrics.Addr),
		zap.Bool("nats", nc != nil))

	err = g.Wait()
	sys.dispatcher.PersistBreakers(context.Background())
	sys.events.Close()
	if errors.Is(err, context.Canceled) {
		logger.Info("steward stopped")
		return nil
	}
	return err
}

// connectNATS returns nil without error when no server is configured.
func connectNATS(cfg *config.Config, logger *zap.Logger) (*nats.Conn, error) {
	url, src, err := config.NATSURL(cfg)
	if errors.Is(err, config.ErrNoNATSURL) {
		return nil, nil
	}
	if err := config.ValidateNATSURL(url); err != nil {
		return nil, err
	}
	nc, err := nats.Connect(url,
		nats.Name("steward"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", config.MaskURL(url), err)
	}
	logger.Info("connected to NATS", zap.String("url", config.MaskURL(url)), zap.String("source", string(src)))
	return nc, nil
}

// watchConfig hot-reloads gate thresholds and the batch size from the config
// file, when there is one.
func watchConfig(sys *system) {
	path := configPath
	if path == "" {
		path = config.GetUserConfigPath()
		if _, err := os.Stat(path); err != nil {
			return
		}
	}
	_, w, err := config.Watch(path, func(next *config.Config, err error) {
		if err != nil {
			sys.logger.Warn("config reload rejected", zap.Error(err))
			return
		}
		if err := sys.gate.SetThresholds(next.Gate.Thresholds, next.Gate.ConservativeStep); err != nil {
			sys.logger.Warn("gate thresholds rejected", zap.Error(err))
			return
		}
		sys.dispatcher.SetBatchSize(next.Scheduler.BatchSize)
		sys.logger.Info("config reloaded",
			zap.Float64("direct", next.Gate.Direct),
			zap.Float64("assisted", next.Gate.Assisted),
			zap.Int("batch_size", next.Scheduler.BatchSize))
	})
	if err != nil {
		sys.logger.Warn("config watch disabled", zap.String("path", path), zap.Error(err))
		return
	}
	sys.logger.Debug("watching config", zap.String("path", w.Path()))
}

func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return ctx.Err()
}

func logEvents(ctx context.Context, events *orchestrator.EventEmitter, logger *zap.Logger) error {
	logger = logger.Named("events")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events.Events():
			logger.Info(string(ev.Type),
				zap.String("item", ev.ItemID),
				zap.String("agent", ev.Agent),
				zap.String("action", ev.Action),
				zap.String("mode", string(ev.Mode)),
				zap.Float64("confidence", ev.Confidence),
				zap.String("source", ev.Source),
				zap.String("message", ev.Message),
				zap.String("error", ev.Error))
		}
	}
}

// forwardsApprovals reports whether srv takes approval requests off the
// manager. Otherwise something else has to drain them.
func forwardsApprovals(srv *intake.Server) bool {
	return srv != nil && srv.ForwardsApprovals()
}

// logApprovals surfaces approval requests when no remote approver is connected.
// Unanswered requests are rejected when approval.timeout expires.
func logApprovals(ctx context.Context, approvals *orchestrator.ApprovalManager, logger *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-approvals.RequestCh():
			logger.Warn("approval required but no approver is connected",
				zap.String("item", req.ItemID),
				zap.String("action", req.Action),
				zap.Float64("confidence", req.Confidence),
				zap.Time("deadline", req.Deadline))
		}
	}
}

// purgeExecutions drops outcomes older than the scoring history window.
func purgeExecutions(ctx context.Context, db *state.DB, cfg *config.Config, logger *zap.Logger) error {
	window := cfg.ScorerSettings().HistoryWindow
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := db.PurgeOldExecutions(ctx, window)
			if err != nil {
				logger.Warn("purge executions", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("purged executions", zap.Int64("count", n))
			}
		}
	}
}
