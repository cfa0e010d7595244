// Package health detects problems in the running pipeline and drives bounded
// recovery.
package health

import (
	"sync"
	"time"

	"github.com/ShayCichocki/steward/internal/alert"
)

// Kind is the type of a detected problem.
type Kind string

const (
	KindErrorRateSpike         Kind = "error_rate_spike"
	KindPerformanceDegradation Kind = "performance_degradation"
	KindMemoryLeak             Kind = "memory_leak"
	KindConsecutiveFailures    Kind = "consecutive_failures"
	KindIntegrationFailure     Kind = "integration_failure"
)

// Signal is one detection.
type Signal struct {
	Kind     Kind
	Severity alert.Severity
	// Source is the collaborator the signal is about, empty for system-wide signals.
	Source string
	Data   map[string]float64
	At     time.Time
}

// key identifies signals that share one recovery.
func (s Signal) key() string {
	return string(s.Kind) + "|" + s.Source
}

// Ring is a fixed-capacity buffer that overwrites its oldest entry.
type Ring[T any] struct {
	mu   sync.RWMutex
	buf  []T
	next int
	full bool
}

// NewRing creates a ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest item when full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		return append([]T(nil), r.buf[:r.next]...)
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Len returns the number of stored items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Reset empties the ring.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	clear(r.buf)
	r.next, r.full = 0, false
	r.mu.Unlock()
}

// Trend is the direction of recent signal pressure.
type Trend string

const (
	TrendStable    Trend = "stable"
	TrendImproving Trend = "improving"
	TrendWorsening Trend = "worsening"
)

// trendMargin is the relative change between halves that counts as movement.
const trendMargin = 0.2

func severityWeight(s alert.Severity) float64 {
	switch s {
	case alert.SeverityCritical:
		return 2
	case alert.SeverityWarning:
		return 1
	default:
		return 0.5
	}
}

// SignalTrend compares severity-weighted pressure in the first and second
// half of signals (oldest first).
func SignalTrend(signals []Signal) Trend {
	if len(signals) < 2 {
		return TrendStable
	}
	mid := len(signals) / 2
	var first, second float64
	for _, s := range signals[:mid] {
		first += severityWeight(s.Severity)
	}
	for _, s := range signals[len(signals)-mid:] {
		second += severityWeight(s.Severity)
	}
	switch {
	case second > first*(1+trendMargin):
		return TrendWorsening
	case second < first*(1-trendMargin):
		return TrendImproving
	default:
		return TrendStable
	}
}
