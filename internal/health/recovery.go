package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/steward/internal/alert"
	"github.com/ShayCichocki/steward/internal/metrics"
)

// Strategy names.
const (
	StrategyRestart          = "restart"
	StrategyCircuitBreaker   = "circuitBreaker"
	StrategyRetryWithBackoff = "retryWithBackoff"
	StrategyFallback         = "fallback"
	StrategyIsolate          = "isolate"
)

// DefaultStrategies maps each problem kind to exactly one strategy.
var DefaultStrategies = map[Kind]string{
	KindMemoryLeak:             StrategyRestart,
	KindConsecutiveFailures:    StrategyCircuitBreaker,
	KindPerformanceDegradation: StrategyRetryWithBackoff,
	KindIntegrationFailure:     StrategyFallback,
	KindErrorRateSpike:         StrategyIsolate,
}

var recommendations = map[Kind]string{
	KindMemoryLeak:             "Inspect heap profiles and restart the process if memory keeps growing.",
	KindConsecutiveFailures:    "Check the failing collaborator's logs and connectivity.",
	KindPerformanceDegradation: "Check collaborator latency and reduce concurrent load.",
	KindIntegrationFailure:     "Verify the collaborator is reachable; work for it is held until its breaker closes.",
	KindErrorRateSpike:         "Review recent failures; the noisiest collaborator has been isolated.",
}

var (
	// ErrUnknownStrategy is returned when no strategy is registered for a kind.
	ErrUnknownStrategy = errors.New("no recovery strategy registered")
	// ErrRecoveryExhausted is returned when every attempt failed.
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
	// ErrRecoveryInProgress is returned when the same problem is already being handled.
	ErrRecoveryInProgress = errors.New("recovery already in progress")
)

// Strategy is a bounded remediation action.
type Strategy interface {
	Execute(ctx context.Context, sig Signal) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, sig Signal) error

// Execute calls f.
func (f StrategyFunc) Execute(ctx context.Context, sig Signal) error { return f(ctx, sig) }

// Verifier confirms a problem is gone.
type Verifier interface {
	// Verify reports whether sig's problem no longer reproduces.
	Verify(ctx context.Context, sig Signal) bool
	// Quiet reports whether no problem of any kind is detected.
	Quiet(ctx context.Context) bool
}

// TrendSource reports which way recent signal pressure is moving.
type TrendSource interface {
	Trend() Trend
}

// Tightener is told how conservative execution decisions should be.
type Tightener interface {
	SetConservatism(level int)
}

// AttemptStatus is the lifecycle of a recovery.
type AttemptStatus string

const (
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSucceeded  AttemptStatus = "succeeded"
	AttemptFailed     AttemptStatus = "failed"
)

// Attempt records one recovery of one problem.
type Attempt struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	Source    string        `json:"source,omitempty"`
	Strategy  string        `json:"strategy"`
	Status    AttemptStatus `json:"status"`
	Tries     int           `json:"tries"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// RecoveryConfig bounds recovery.
type RecoveryConfig struct {
	MaxAttempts int
	// Timeout bounds all tries of one recovery, including backoff.
	Timeout time.Duration
	// BackoffBase * try is the wait after a failed try, capped at BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Stabilization is the delay before re-verifying a successful recovery.
	Stabilization time.Duration
	// Retention is how long finished attempts are kept.
	Retention time.Duration
}

// DefaultRecoveryConfig returns stock recovery bounds.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxAttempts:   3,
		Timeout:       5 * time.Minute,
		BackoffBase:   time.Second,
		BackoffCap:    30 * time.Second,
		Stabilization: 30 * time.Second,
		Retention:     24 * time.Hour,
	}
}

// Backoff returns base*try capped at limit.
func Backoff(base, limit time.Duration, try int) time.Duration {
	d := base * time.Duration(try)
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// Coordinator selects and runs one strategy per detected problem.
type Coordinator struct {
	cfg        RecoveryConfig
	mapping    map[Kind]string
	strategies map[string]Strategy
	verifier   Verifier
	state      *StateMachine
	sink       alert.Sink
	gate       Tightener

	trend  TrendSource
	settle time.Duration

	// ctx is cancelled by Shutdown and bounds every background recovery.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	attempts   map[string]*Attempt
	inflight   map[string]string
	quietSince time.Time
	wg         sync.WaitGroup

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	listeners []func(Attempt)
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithGate lets the coordinator tighten execution decisions while unhealthy.
func WithGate(t Tightener) CoordinatorOption {
	return func(c *Coordinator) { c.gate = t }
}

// WithTrend adds the signal trend to recovery alerts.
func WithTrend(src TrendSource) CoordinatorOption {
	return func(c *Coordinator) { c.trend = src }
}

// WithSettleInterval sets how often Run checks whether an unhealthy system has
// gone quiet on its own.
func WithSettleInterval(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.settle = d
		}
	}
}

// WithStrategyMap overrides DefaultStrategies.
func WithStrategyMap(m map[Kind]string) CoordinatorOption {
	return func(c *Coordinator) { c.mapping = m }
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l.Named("recovery")
		}
	}
}

// WithCoordinatorMetrics attaches Prometheus collectors.
func WithCoordinatorMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithCoordinatorClock overrides the time source.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleep overrides how the coordinator waits between tries and before
// stabilization checks.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) CoordinatorOption {
	return func(c *Coordinator) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// OnAttempt registers fn to receive a copy of an attempt when it starts and
// when it finishes.
func OnAttempt(fn func(Attempt)) CoordinatorOption {
	return func(c *Coordinator) {
		if fn != nil {
			c.listeners = append(c.listeners, fn)
		}
	}
}

// NewCoordinator creates a Coordinator. The state machine drives gate conservatism.
func NewCoordinator(cfg RecoveryConfig, verifier Verifier, state *StateMachine, sink alert.Sink, opts ...CoordinatorOption) *Coordinator {
	def := DefaultRecoveryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	c := &Coordinator{
		cfg:        cfg,
		mapping:    DefaultStrategies,
		strategies: make(map[string]Strategy),
		verifier:   verifier,
		state:      state,
		sink:       sink,
		attempts:   make(map[string]*Attempt),
		inflight:   make(map[string]string),
		settle:     DefaultConfig().Interval,
		logger:     zap.NewNop(),
		now:        time.Now,
		sleep:      sleepCtx,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	state.Listen(c.onStateChange)
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Register installs the implementation of a named strategy.
func (c *Coordinator) Register(name string, s Strategy) {
	c.mu.Lock()
	c.strategies[name] = s
	c.mu.Unlock()
}

func (c *Coordinator) onStateChange(from, to SystemState) {
	c.logger.Info("system state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	c.metrics.SetSystemState(string(to), AllStates)
	if c.gate == nil {
		return
	}
	switch to {
	case StateHealthy:
		c.gate.SetConservatism(0)
	case StateDegraded:
		c.gate.SetConservatism(1)
	case StateCritical:
		c.gate.SetConservatism(2)
	}
}

// HandleSignal starts recovery for sig in the background unless the same
// problem is already being recovered. It is safe to register with Monitor.OnSignal.
// Background recoveries outlive ctx and end when Shutdown is called.
func (c *Coordinator) HandleSignal(_ context.Context, sig Signal) {
	if c.ctx.Err() != nil {
		return
	}
	att, strat, err := c.begin(sig)
	if err != nil {
		if !errors.Is(err, ErrRecoveryInProgress) {
			c.logger.Warn("cannot recover", zap.String("kind", string(sig.Kind)), zap.Error(err))
		}
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.run(c.ctx, att, strat, sig)
	}()
}

// Recover runs recovery for sig synchronously and returns the finished attempt.
func (c *Coordinator) Recover(ctx context.Context, sig Signal) (Attempt, error) {
	att, strat, err := c.begin(sig)
	if err != nil {
		return Attempt{}, err
	}
	err = c.run(ctx, att, strat, sig)
	return c.attempt(att.ID), err
}

// Wait blocks until every background recovery has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown interrupts background recoveries, waits for them, and refuses new
// ones. Interrupted attempts are recorded as failed.
func (c *Coordinator) Shutdown() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) begin(sig Signal) (*Attempt, Strategy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.inflight[sig.key()]; busy {
		return nil, nil, ErrRecoveryInProgress
	}
	name, ok := c.mapping[sig.Kind]
	if !ok {
		return nil, nil, fmt.Errorf("%w: kind %s", ErrUnknownStrategy, sig.Kind)
	}
	strat, ok := c.strategies[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}

	att := &Attempt{
		ID:        uuid.NewString(),
		Kind:      sig.Kind,
		Source:    sig.Source,
		Strategy:  name,
		Status:    AttemptInProgress,
		StartedAt: c.now(),
	}
	c.attempts[att.ID] = att
	c.inflight[sig.key()] = att.ID
	return att, strat, nil
}

func (c *Coordinator) run(ctx context.Context, att *Attempt, strat Strategy, sig Signal) error {
	log := c.logger.With(zap.String("attempt", att.ID), zap.String("kind", string(sig.Kind)),
		zap.String("source", sig.Source), zap.String("strategy", att.Strategy))
	log.Info("recovery started")
	c.attemptChanged(att.ID)
	c.state.Transition(StateRecovering)

	rctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	lastErr := c.tryLoop(rctx, strat, sig, att.ID)
	cancel()

	if lastErr != nil && ctx.Err() != nil {
		err := fmt.Errorf("recovery interrupted: %w", ctx.Err())
		c.finish(att.ID, AttemptFailed, err)
		log.Warn("recovery interrupted", zap.Int("tries", c.attempt(att.ID).Tries))
		return err
	}
	if lastErr != nil {
		c.finish(att.ID, AttemptFailed, lastErr)
		log.Error("recovery failed", zap.Error(lastErr))
		c.state.Transition(StateCritical)
		c.notify(ctx, alert.Alert{
			Severity:       alert.SeverityCritical,
			Title:          fmt.Sprintf("Recovery failed: %s", sig.Kind),
			Description:    c.describe(att.ID, lastErr),
			Recommendation: recommendations[sig.Kind],
			Source:         sig.Source,
		})
		return fmt.Errorf("%w: %w", ErrRecoveryExhausted, lastErr)
	}

	c.finish(att.ID, AttemptSucceeded, nil)
	log.Info("recovery succeeded, stabilizing", zap.Duration("window", c.cfg.Stabilization))

	// Re-verify after the stabilization window before declaring health.
	if err := c.sleep(ctx, c.cfg.Stabilization); err != nil {
		return nil
	}
	stable := c.verifier.Verify(ctx, sig) && c.verifier.Quiet(ctx)
	if !c.idle() {
		return nil
	}
	if stable {
		c.state.Transition(StateHealthy)
		return nil
	}
	log.Warn("problem returned during stabilization")
	c.state.Transition(StateDegraded)
	c.notify(ctx, alert.Alert{
		Severity:       alert.SeverityWarning,
		Title:          fmt.Sprintf("Unstable after recovery: %s", sig.Kind),
		Description:    c.withTrend("The problem was resolved but detectors fired again within the stabilization window."),
		Recommendation: recommendations[sig.Kind],
		Source:         sig.Source,
	})
	return nil
}

// tryLoop executes the strategy up to MaxAttempts times with linear backoff
// between tries. Returns nil once the verifier confirms the fix.
func (c *Coordinator) tryLoop(ctx context.Context, strat Strategy, sig Signal, id string) error {
	var lastErr error
	for try := 1; try <= c.cfg.MaxAttempts; try++ {
		c.mu.Lock()
		c.attempts[id].Tries = try
		c.mu.Unlock()

		err := strat.Execute(ctx, sig)
		if err == nil && c.verifier.Verify(ctx, sig) {
			return nil
		}
		if err == nil {
			err = errors.New("problem still detected after strategy ran")
		}
		lastErr = err
		c.logger.Debug("recovery try failed", zap.String("attempt", id), zap.Int("try", try), zap.Error(err))

		if ctx.Err() != nil {
			return fmt.Errorf("recovery timed out after %d tries: %w", try, lastErr)
		}
		if try < c.cfg.MaxAttempts {
			if err := c.sleep(ctx, Backoff(c.cfg.BackoffBase, c.cfg.BackoffCap, try)); err != nil {
				return fmt.Errorf("recovery timed out after %d tries: %w", try, lastErr)
			}
		}
	}
	return lastErr
}

func (c *Coordinator) finish(id string, status AttemptStatus, err error) {
	c.mu.Lock()
	att := c.attempts[id]
	att.Status = status
	att.EndedAt = c.now()
	if err != nil {
		att.Error = err.Error()
	}
	for k, v := range c.inflight {
		if v == id {
			delete(c.inflight, k)
		}
	}
	strategy := att.Strategy
	c.mu.Unlock()
	c.metrics.RecoveryFinished(strategy, string(status))
	c.attemptChanged(id)
}

func (c *Coordinator) attemptChanged(id string) {
	if len(c.listeners) == 0 {
		return
	}
	a := c.attempt(id)
	for _, fn := range c.listeners {
		fn(a)
	}
}

func (c *Coordinator) idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight) == 0
}

func (c *Coordinator) describe(id string, err error) string {
	a := c.attempt(id)
	src := a.Source
	if src == "" {
		src = "system"
	}
	return c.withTrend(fmt.Sprintf("%s on %s could not be resolved by %s after %d tries: %v", a.Kind, src, a.Strategy, a.Tries, err))
}

func (c *Coordinator) withTrend(desc string) string {
	if c.trend == nil {
		return desc
	}
	return fmt.Sprintf("%s Signal trend: %s.", desc, c.trend.Trend())
}

// Settle returns a degraded or critical system to healthy once no detector
// has fired for the stabilization window and no recovery is running. A
// critical system passes through recovering on the way. It reports whether
// the state changed.
func (c *Coordinator) Settle(ctx context.Context) bool {
	now := c.now()
	cur := c.state.State()
	unhealthy := cur == StateDegraded || cur == StateCritical
	if !unhealthy || !c.idle() || !c.verifier.Quiet(ctx) {
		c.mu.Lock()
		c.quietSince = time.Time{}
		c.mu.Unlock()
		return false
	}

	c.mu.Lock()
	if c.quietSince.IsZero() {
		c.quietSince = now
	}
	quiet := now.Sub(c.quietSince)
	if quiet < c.cfg.Stabilization {
		c.mu.Unlock()
		return false
	}
	c.quietSince = time.Time{}
	c.mu.Unlock()

	c.logger.Info("problems cleared without recovery",
		zap.String("from", string(cur)), zap.Duration("quiet", quiet))
	if cur == StateCritical && !c.state.Transition(StateRecovering) {
		return false
	}
	return c.state.Transition(StateHealthy)
}

func (c *Coordinator) notify(ctx context.Context, a alert.Alert) {
	if c.sink == nil {
		return
	}
	if a.At.IsZero() {
		a.At = c.now()
	}
	if err := c.sink.Notify(ctx, a); err != nil {
		c.logger.Warn("alert delivery failed", zap.String("title", a.Title), zap.Error(err))
	}
}

func (c *Coordinator) attempt(id string) Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.attempts[id]; ok {
		return *a
	}
	return Attempt{}
}

// Attempts returns copies of every tracked attempt, newest first.
func (c *Coordinator) Attempts() []Attempt {
	c.mu.Lock()
	out := make([]Attempt, 0, len(c.attempts))
	for _, a := range c.attempts {
		out = append(out, *a)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Purge drops finished attempts older than the retention window.
func (c *Coordinator) Purge() int {
	cutoff := c.now().Add(-c.cfg.Retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, a := range c.attempts {
		if a.Status != AttemptInProgress && a.EndedAt.Before(cutoff) {
			delete(c.attempts, id)
			n++
		}
	}
	return n
}

// Run settles the system state and purges expired attempts periodically until
// ctx is done, then shuts background recoveries down.
func (c *Coordinator) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Hour
	}
	purge := time.NewTicker(every)
	defer purge.Stop()
	settle := time.NewTicker(c.settle)
	defer settle.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Shutdown()
			return ctx.Err()
		case <-settle.C:
			c.Settle(ctx)
		case <-purge.C:
			if n := c.Purge(); n > 0 {
				c.logger.Debug("purged recovery attempts", zap.Int("count", n))
			}
		}
	}
}
