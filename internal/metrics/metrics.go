// Package metrics exposes Prometheus collectors for the control plane.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/steward/pkg/models"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// so components can take one unconditionally.
//
// Metrics:
//   - steward_items{status} - work items per status after the last sweep
//   - steward_sweep_duration_seconds - scheduler sweep latency
//   - steward_items_promoted_total - pending items promoted to ready
//   - steward_items_finished_total{status} - items reaching a terminal status
//   - steward_decisions_total{mode} - gate decisions by execution mode
//   - steward_confidence - histogram of final confidence scores
//   - steward_score_cache_total{result} - confidence cache hits and misses
//   - steward_breaker_state{key} - 0 closed, 1 open, 2 half-open
//   - steward_breaker_calls_total{key,outcome} - guarded call outcomes
//   - steward_health_signals_total{kind,severity} - detector emissions
//   - steward_system_state{state} - 1 for the current system state
//   - steward_recoveries_total{strategy,outcome} - finished recovery attempts
//   - steward_alerts_total{sink,result} - alert deliveries
type Metrics struct {
	registry *prometheus.Registry

	Items         *prometheus.GaugeVec
	SweepDuration prometheus.Histogram
	ItemsPromoted prometheus.Counter
	ItemsFinished *prometheus.CounterVec
	Decisions     *prometheus.CounterVec
	Confidence    prometheus.Histogram
	ScoreCache    *prometheus.CounterVec
	BreakerState  *prometheus.GaugeVec
	BreakerCalls  *prometheus.CounterVec
	HealthSignals *prometheus.CounterVec
	SystemState   *prometheus.GaugeVec
	Recoveries    *prometheus.CounterVec
	Alerts        *prometheus.CounterVec
}

// New creates collectors on a fresh registry that also carries the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Items: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "steward_items",
			Help: "Work items per status after the last sweep",
		}, []string{"status"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "steward_sweep_duration_seconds",
			Help:    "Duration of scheduler sweeps in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ItemsPromoted: f.NewCounter(prometheus.CounterOpts{
			Name: "steward_items_promoted_total",
			Help: "Pending items promoted to ready",
		}),
		ItemsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_items_finished_total",
			Help: "Work items reaching a terminal status",
		}, []string{"status"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_decisions_total",
			Help: "Execution gate decisions by mode",
		}, []string{"mode"}),
		Confidence: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "steward_confidence",
			Help:    "Final confidence scores",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		ScoreCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_score_cache_total",
			Help: "Confidence cache lookups",
		}, []string{"result"}), // "hit" or "miss"
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "steward_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"key"}),
		BreakerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_breaker_calls_total",
			Help: "Calls through circuit breakers by outcome",
		}, []string{"key", "outcome"}), // "success", "failure", "rejected"
		HealthSignals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_health_signals_total",
			Help: "Health signals emitted by detectors",
		}, []string{"kind", "severity"}),
		SystemState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "steward_system_state",
			Help: "1 for the current system state, 0 otherwise",
		}, []string{"state"}),
		Recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_recoveries_total",
			Help: "Finished recovery attempts",
		}, []string{"strategy", "outcome"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_alerts_total",
			Help: "Alert deliveries by sink and result",
		}, []string{"sink", "result"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveSweep records a scheduler sweep.
func (m *Metrics) ObserveSweep(d time.Duration, promoted int, counts map[models.WorkItemStatus]int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(d.Seconds())
	m.ItemsPromoted.Add(float64(promoted))
	for _, s := range []models.WorkItemStatus{
		models.WorkItemStatusPending, models.WorkItemStatusReady, models.WorkItemStatusRunning,
		models.WorkItemStatusDone, models.WorkItemStatusFailed,
	} {
		m.Items.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// ItemFinished counts an item reaching a terminal status.
func (m *Metrics) ItemFinished(status models.WorkItemStatus) {
	if m == nil {
		return
	}
	m.ItemsFinished.WithLabelValues(string(status)).Inc()
}

// DecisionMade records a gate decision.
func (m *Metrics) DecisionMade(mode models.ExecutionMode, confidence float64) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(string(mode)).Inc()
	m.Confidence.Observe(confidence)
}

// ScoreLookup records a confidence cache lookup.
func (m *Metrics) ScoreLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.ScoreCache.WithLabelValues(result).Inc()
}

// BreakerStateChanged records a breaker transition. state is 0, 1 or 2.
func (m *Metrics) BreakerStateChanged(key string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(key).Set(float64(state))
}

// BreakerCall records the outcome of a guarded call.
func (m *Metrics) BreakerCall(key, outcome string) {
	if m == nil {
		return
	}
	m.BreakerCalls.WithLabelValues(key, outcome).Inc()
}

// HealthSignal counts a detector emission.
func (m *Metrics) HealthSignal(kind, severity string) {
	if m == nil {
		return
	}
	m.HealthSignals.WithLabelValues(kind, severity).Inc()
}

// SetSystemState marks current as the only active system state.
func (m *Metrics) SetSystemState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.SystemState.WithLabelValues(s).Set(v)
	}
}

// RecoveryFinished counts a finished recovery attempt.
func (m *Metrics) RecoveryFinished(strategy, outcome string) {
	if m == nil {
		return
	}
	m.Recoveries.WithLabelValues(strategy, outcome).Inc()
}

// AlertDelivered counts an alert delivery attempt.
func (m *Metrics) AlertDelivered(sink, result string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(sink, result).Inc()
}
