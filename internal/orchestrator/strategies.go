package orchestrator

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/ShayCichocki/steward/internal/breaker"
	"github.com/ShayCichocki/steward/internal/confidence"
	"github.com/ShayCichocki/steward/internal/health"
)

// errNoSource is returned by strategies that need a collaborator to act on.
var errNoSource = errors.New("signal names no source")

// Strategies holds what the recovery strategies act on.
type Strategies struct {
	Dispatcher *Dispatcher
	Breakers   *breaker.Supervisor
	Monitor    *health.Monitor
	Scorer     *confidence.Scorer
	Logger     *zap.Logger
}

// Register installs every recovery strategy on the coordinator.
func (s Strategies) Register(c *health.Coordinator) {
	s.Logger = s.logger().Named("strategy")

	c.Register(health.StrategyRestart, health.StrategyFunc(s.restart))
	c.Register(health.StrategyCircuitBreaker, health.StrategyFunc(s.circuitBreaker))
	c.Register(health.StrategyRetryWithBackoff, health.StrategyFunc(s.retryWithBackoff))
	c.Register(health.StrategyFallback, health.StrategyFunc(s.fallback))
	c.Register(health.StrategyIsolate, health.StrategyFunc(s.isolate))
}

func (s Strategies) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// restart drops in-process caches and returns freed memory to the OS.
func (s Strategies) restart(_ context.Context, sig health.Signal) error {
	s.Scorer.Purge()
	runtime.GC()
	debug.FreeOSMemory()
	s.logger().Info("released caches and memory", zap.String("kind", string(sig.Kind)))
	return nil
}

// circuitBreaker opens the failing collaborator's breaker and clears its
// failure streak so the detector does not fire again on the same run.
func (s Strategies) circuitBreaker(ctx context.Context, sig health.Signal) error {
	if sig.Source == "" {
		return errNoSource
	}
	s.Breakers.Trip(sig.Source)
	s.Monitor.ResetSource(sig.Source)
	s.Dispatcher.PersistBreakers(ctx)
	s.logger().Info("tripped breaker", zap.String("source", sig.Source))
	return nil
}

// retryWithBackoff halves dispatch concurrency. The configured size comes back
// once the system is healthy again.
func (s Strategies) retryWithBackoff(_ context.Context, _ health.Signal) error {
	prev := s.Dispatcher.BatchSize()
	s.Dispatcher.SetBatchSize(prev / 2)
	s.logger().Info("throttled dispatch", zap.Int("from", prev), zap.Int("to", s.Dispatcher.BatchSize()))
	return nil
}

// fallback keeps work away from an unavailable collaborator for one breaker
// cooldown. The hold ends early when the breaker closes.
func (s Strategies) fallback(_ context.Context, sig health.Signal) error {
	if sig.Source == "" {
		return errNoSource
	}
	until := s.Dispatcher.now().Add(s.Breakers.Config().Cooldown)
	s.Dispatcher.Hold(sig.Source, until)
	return nil
}

// isolate opens the breaker of the worst failing collaborator and starts the
// error rate over.
func (s Strategies) isolate(ctx context.Context, sig health.Signal) error {
	target := sig.Source
	if target == "" {
		failing := s.Monitor.FailingSources()
		if len(failing) == 0 {
			return errNoSource
		}
		target = failing[0]
	}
	s.Breakers.Trip(target)
	s.Monitor.ResetSamples()
	s.Dispatcher.PersistBreakers(ctx)
	s.logger().Info("isolated collaborator", zap.String("source", target))
	return nil
}
