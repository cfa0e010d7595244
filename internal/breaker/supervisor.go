package breaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/steward/internal/metrics"
)

// Defaults used when Config fields are zero.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 60 * time.Second
	DefaultCallTimeout      = 30 * time.Second
)

// Config holds breaker tuning shared by every key.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a breaker.
	FailureThreshold int
	// Cooldown is how long a breaker stays open before a probe is allowed.
	// It does not grow across repeated open/half-open cycles.
	Cooldown time.Duration
	// CallTimeout bounds every guarded call.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

// TransitionFunc observes breaker state changes.
type TransitionFunc func(key string, from, to State)

// Supervisor owns one breaker per guarded collaborator key. Breakers are
// created on first use and never removed.
type Supervisor struct {
	cfg      Config
	mu       sync.RWMutex
	breakers map[string]*Breaker
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	hooks    []TransitionFunc
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l.Named("breaker")
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithClock overrides the time source for cooldown bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// OnTransition registers a hook called after every state change.
func OnTransition(fn TransitionFunc) Option {
	return func(s *Supervisor) { s.hooks = append(s.hooks, fn) }
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// get returns the breaker for key, creating it if needed.
func (s *Supervisor) get(key string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b
	}
	b = newBreaker(key, s.cfg.FailureThreshold, s.cfg.Cooldown, s.now, s.transitioned)
	s.breakers[key] = b
	s.metrics.BreakerStateChanged(key, int(Closed))
	return b
}

func (s *Supervisor) transitioned(key string, from, to State) {
	fields := []zap.Field{zap.String("key", key), zap.Stringer("from", from), zap.Stringer("to", to)}
	if to == Open {
		s.logger.Warn("breaker opened", fields...)
	} else {
		s.logger.Info("breaker state changed", fields...)
	}
	s.metrics.BreakerStateChanged(key, int(to))
	for _, h := range s.hooks {
		h(key, from, to)
	}
}

// Call runs fn through the breaker for key with the configured timeout.
// Returns a *CircuitOpenError without calling fn while the breaker is open.
// The call is made without holding any supervisor lock.
func (s *Supervisor) Call(ctx context.Context, key string, fn func(context.Context) error) error {
	err := s.get(key).do(ctx, s.cfg.CallTimeout, fn)
	switch {
	case err == nil:
		s.metrics.BreakerCall(key, "success")
	case errors.Is(err, ErrCircuitOpen):
		s.metrics.BreakerCall(key, "rejected")
	default:
		s.metrics.BreakerCall(key, "failure")
	}
	return err
}

// State returns the state of key's breaker. Unknown keys are closed.
func (s *Supervisor) State(key string) State {
	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if !ok {
		return Closed
	}
	return b.State()
}

// RetryAfter reports whether key's breaker would reject a call now and, if so,
// how long until a probe is allowed. The wait is zero while a probe is in flight.
func (s *Supervisor) RetryAfter(key string) (time.Duration, bool) {
	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return b.retryAfter()
}

// Trip forces key's breaker open.
func (s *Supervisor) Trip(key string) {
	s.get(key).trip()
}

// Reset closes key's breaker.
func (s *Supervisor) Reset(key string) {
	s.get(key).reset()
}

// Snapshot returns copies of every breaker ordered by key.
func (s *Supervisor) Snapshot() []Snapshot {
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config {
	return s.cfg
}
