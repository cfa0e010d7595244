package health

import (
	"context"
	"math"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/steward/internal/alert"
	"github.com/ShayCichocki/steward/internal/breaker"
	"github.com/ShayCichocki/steward/internal/metrics"
)

// Observation is the outcome of one guarded call.
type Observation struct {
	Source  string
	Success bool
	Latency time.Duration
	At      time.Time
}

// Thresholds are the static limits detectors compare against.
type Thresholds struct {
	// ErrorRate is the failure fraction above which error_rate_spike fires.
	ErrorRate float64
	// MinSamples is the fewest observations needed to judge the error rate.
	MinSamples int
	// LatencyFactor is how far above the learned baseline latency may drift.
	LatencyFactor float64
	// MemoryFraction is the used/limit fraction above which memory_leak fires.
	MemoryFraction float64
	// ConsecutiveFailures per source that fire consecutive_failures.
	ConsecutiveFailures int
}

// Config configures a Monitor.
type Config struct {
	Thresholds Thresholds
	// Interval is the tick of every detector.
	Interval time.Duration
	// SampleWindow is the number of observations kept.
	SampleWindow int
	// SampleMaxAge drops observations older than this from every detector.
	SampleMaxAge time.Duration
	// SignalBuffer is the capacity of the signal ring used for trends.
	SignalBuffer int
}

// DefaultConfig returns stock detector settings.
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			ErrorRate:           0.1,
			MinSamples:          10,
			LatencyFactor:       2.0,
			MemoryFraction:      0.9,
			ConsecutiveFailures: 5,
		},
		Interval:     30 * time.Second,
		SampleWindow: 200,
		SampleMaxAge: 10 * time.Minute,
		SignalBuffer: 256,
	}
}

// MemoryProbe reports memory use against a limit. ok is false when no limit is known.
type MemoryProbe interface {
	Usage() (used, limit uint64, ok bool)
}

// RuntimeProbe reads the Go runtime's memory statistics. With a zero Limit it
// uses the soft limit set through GOMEMLIMIT or debug.SetMemoryLimit.
type RuntimeProbe struct {
	Limit uint64
}

// Usage implements MemoryProbe.
func (p RuntimeProbe) Usage() (uint64, uint64, bool) {
	limit := p.Limit
	if limit == 0 {
		soft := debug.SetMemoryLimit(-1)
		if soft <= 0 || soft == math.MaxInt64 {
			return 0, 0, false
		}
		limit = uint64(soft)
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys - ms.HeapReleased, limit, true
}

// BreakerSource exposes breaker snapshots.
type BreakerSource interface {
	Snapshot() []breaker.Snapshot
}

// SignalHandler is called for every emitted signal.
type SignalHandler func(ctx context.Context, sig Signal)

// detector inspects current metrics and returns any problems found.
type detector struct {
	kinds []Kind
	run   func(now time.Time) []Signal
}

// Monitor runs problem detectors on independent ticks and publishes signals.
type Monitor struct {
	cfg      Config
	samples  *Ring[Observation]
	signals  *Ring[Signal]
	state    *StateMachine
	memory   MemoryProbe
	breakers BreakerSource
	// exempt reports sources whose open breaker is already being handled.
	exempt func(source string) bool

	mu          sync.Mutex
	baseline    time.Duration
	consecutive map[string]int

	handlersMu sync.RWMutex
	handlers   []SignalHandler

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMemoryProbe sets the probe used by the memory detector.
func WithMemoryProbe(p MemoryProbe) MonitorOption {
	return func(m *Monitor) { m.memory = p }
}

// WithBreakers lets the failure detector see open breakers.
func WithBreakers(b BreakerSource) MonitorOption {
	return func(m *Monitor) { m.breakers = b }
}

// WithExemption skips integration_failure for sources where fn returns true.
func WithExemption(fn func(source string) bool) MonitorOption {
	return func(m *Monitor) { m.exempt = fn }
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(l *zap.Logger) MonitorOption {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l.Named("health")
		}
	}
}

// WithMonitorMetrics attaches Prometheus collectors.
func WithMonitorMetrics(mt *metrics.Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = mt }
}

// WithMonitorClock overrides the time source.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor creates a Monitor driving state.
func NewMonitor(cfg Config, state *StateMachine, opts ...MonitorOption) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = def.SampleWindow
	}
	if cfg.SampleMaxAge <= 0 {
		cfg.SampleMaxAge = def.SampleMaxAge
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = def.SignalBuffer
	}
	m := &Monitor{
		cfg:         cfg,
		samples:     NewRing[Observation](cfg.SampleWindow),
		signals:     NewRing[Signal](cfg.SignalBuffer),
		state:       state,
		exempt:      func(string) bool { return false },
		consecutive: make(map[string]int),
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnSignal registers a handler for every emitted signal.
func (m *Monitor) OnSignal(fn SignalHandler) {
	m.handlersMu.Lock()
	m.handlers = append(m.handlers, fn)
	m.handlersMu.Unlock()
}

// Observe records the outcome of a guarded call.
func (m *Monitor) Observe(o Observation) {
	if o.At.IsZero() {
		o.At = m.now()
	}
	m.samples.Push(o)

	m.mu.Lock()
	if o.Success {
		delete(m.consecutive, o.Source)
	} else {
		m.consecutive[o.Source]++
	}
	m.mu.Unlock()
}

// ResetSource clears the consecutive failure count for source.
func (m *Monitor) ResetSource(source string) {
	m.mu.Lock()
	delete(m.consecutive, source)
	m.mu.Unlock()
}

// ResetSamples drops every stored observation.
func (m *Monitor) ResetSamples() {
	m.samples.Reset()
}

// FailingSources returns sources ordered by failures in the sample window, most first.
func (m *Monitor) FailingSources() []string {
	counts := make(map[string]int)
	for _, o := range m.recent(m.now()) {
		if !o.Success {
			counts[o.Source]++
		}
	}
	out := make([]string, 0, len(counts))
	for s := range counts {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// Signals returns buffered signals, oldest first.
func (m *Monitor) Signals() []Signal {
	return m.signals.Items()
}

// Trend compares the first and second half of buffered signals.
func (m *Monitor) Trend() Trend {
	return SignalTrend(m.signals.Items())
}

// State returns the state machine the monitor drives.
func (m *Monitor) State() *StateMachine {
	return m.state
}

func (m *Monitor) recent(now time.Time) []Observation {
	all := m.samples.Items()
	cutoff := now.Add(-m.cfg.SampleMaxAge)
	out := all[:0]
	for _, o := range all {
		if !o.At.Before(cutoff) {
			out = append(out, o)
		}
	}
	return out
}

func (m *Monitor) detectors() []detector {
	return []detector{
		{kinds: []Kind{KindErrorRateSpike}, run: m.detectErrorRate},
		{kinds: []Kind{KindPerformanceDegradation}, run: m.detectLatency},
		{kinds: []Kind{KindMemoryLeak}, run: m.detectMemory},
		{kinds: []Kind{KindConsecutiveFailures, KindIntegrationFailure}, run: m.detectFailures},
	}
}

func (m *Monitor) detectErrorRate(now time.Time) []Signal {
	obs := m.recent(now)
	th := m.cfg.Thresholds
	if len(obs) < max(1, th.MinSamples) {
		return nil
	}
	var failed int
	for _, o := range obs {
		if !o.Success {
			failed++
		}
	}
	rate := float64(failed) / float64(len(obs))
	if rate <= th.ErrorRate {
		return nil
	}
	sev := alert.SeverityWarning
	if rate >= 2*th.ErrorRate {
		sev = alert.SeverityCritical
	}
	return []Signal{{
		Kind: KindErrorRateSpike, Severity: sev, At: now,
		Data: map[string]float64{"error_rate": rate, "samples": float64(len(obs))},
	}}
}

// baselineAlpha is the EWMA weight of a new healthy latency reading.
const baselineAlpha = 0.2

func (m *Monitor) detectLatency(now time.Time) []Signal {
	var sum time.Duration
	var n int
	for _, o := range m.recent(now) {
		if o.Success && o.Latency > 0 {
			sum += o.Latency
			n++
		}
	}
	if n == 0 {
		return nil
	}
	avg := sum / time.Duration(n)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.baseline == 0 {
		m.baseline = avg
		return nil
	}
	factor := m.cfg.Thresholds.LatencyFactor
	ratio := float64(avg) / float64(m.baseline)
	if ratio <= factor {
		m.baseline = time.Duration(baselineAlpha*float64(avg) + (1-baselineAlpha)*float64(m.baseline))
		return nil
	}
	sev := alert.SeverityWarning
	if ratio >= 2*factor {
		sev = alert.SeverityCritical
	}
	return []Signal{{
		Kind: KindPerformanceDegradation, Severity: sev, At: now,
		Data: map[string]float64{
			"latency_ms":  float64(avg) / float64(time.Millisecond),
			"baseline_ms": float64(m.baseline) / float64(time.Millisecond),
			"ratio":       ratio,
		},
	}}
}

// Baseline returns the learned latency baseline.
func (m *Monitor) Baseline() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseline
}

func (m *Monitor) detectMemory(now time.Time) []Signal {
	if m.memory == nil {
		return nil
	}
	used, limit, ok := m.memory.Usage()
	if !ok || limit == 0 {
		return nil
	}
	frac := float64(used) / float64(limit)
	th := m.cfg.Thresholds.MemoryFraction
	if frac <= th {
		return nil
	}
	sev := alert.SeverityWarning
	if frac >= th+(1-th)/2 {
		sev = alert.SeverityCritical
	}
	return []Signal{{
		Kind: KindMemoryLeak, Severity: sev, At: now,
		Data: map[string]float64{"fraction": frac, "used_bytes": float64(used), "limit_bytes": float64(limit)},
	}}
}

func (m *Monitor) detectFailures(now time.Time) []Signal {
	var out []Signal

	m.mu.Lock()
	threshold := max(1, m.cfg.Thresholds.ConsecutiveFailures)
	for src, n := range m.consecutive {
		if n >= threshold {
			out = append(out, Signal{
				Kind: KindConsecutiveFailures, Severity: alert.SeverityWarning, Source: src, At: now,
				Data: map[string]float64{"consecutive_failures": float64(n)},
			})
		}
	}
	m.mu.Unlock()

	if m.breakers != nil {
		for _, snap := range m.breakers.Snapshot() {
			if snap.State == breaker.Closed || m.exempt(snap.Key) {
				continue
			}
			out = append(out, Signal{
				Kind: KindIntegrationFailure, Severity: alert.SeverityCritical, Source: snap.Key, At: now,
				Data: map[string]float64{"consecutive_failures": float64(snap.ConsecutiveFailures)},
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

// Detect runs every detector once and returns what they found without emitting.
func (m *Monitor) Detect() []Signal {
	now := m.now()
	var out []Signal
	for _, d := range m.detectors() {
		out = append(out, d.run(now)...)
	}
	return out
}

// Verify re-runs the detector responsible for sig and reports whether the
// problem is gone for sig's source.
func (m *Monitor) Verify(_ context.Context, sig Signal) bool {
	now := m.now()
	for _, d := range m.detectors() {
		if !containsKind(d.kinds, sig.Kind) {
			continue
		}
		for _, s := range d.run(now) {
			if s.Kind == sig.Kind && s.Source == sig.Source {
				return false
			}
		}
	}
	return true
}

// Quiet reports whether no detector currently fires.
func (m *Monitor) Quiet(context.Context) bool {
	return len(m.Detect()) == 0
}

// CheckNow runs every detector once and emits what it finds.
func (m *Monitor) CheckNow(ctx context.Context) []Signal {
	found := m.Detect()
	for _, s := range found {
		m.emit(ctx, s)
	}
	return found
}

// Run starts every detector on its own ticker and blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, d := range m.detectors() {
		g.Go(func() error {
			ticker := time.NewTicker(m.cfg.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					for _, s := range d.run(m.now()) {
						m.emit(ctx, s)
					}
				}
			}
		})
	}
	return g.Wait()
}

func (m *Monitor) emit(ctx context.Context, s Signal) {
	m.signals.Push(s)
	m.metrics.HealthSignal(string(s.Kind), string(s.Severity))
	m.logger.Warn("health signal",
		zap.String("kind", string(s.Kind)),
		zap.String("severity", string(s.Severity)),
		zap.String("source", s.Source),
		zap.Any("data", s.Data))

	if m.state != nil {
		m.state.Escalate(s.Severity == alert.SeverityCritical)
	}

	m.handlersMu.RLock()
	handlers := append([]SignalHandler(nil), m.handlers...)
	m.handlersMu.RUnlock()
	for _, h := range handlers {
		h(ctx, s)
	}
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}
