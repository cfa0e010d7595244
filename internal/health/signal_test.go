package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ShayCichocki/steward/internal/alert"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := NewRing[int](3)
	assert.Empty(t, r.Items())

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{3, 4, 5}, r.Items())
	assert.Equal(t, 3, r.Len())

	r.Reset()
	assert.Equal(t, 0, r.Len())
	r.Push(9)
	assert.Equal(t, []int{9}, r.Items())
}

func TestRing_ZeroCapacity(t *testing.T) {
	r := NewRing[string](0)
	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"b"}, r.Items())
}

func sigs(sev ...alert.Severity) []Signal {
	out := make([]Signal, len(sev))
	for i, s := range sev {
		out[i] = Signal{Kind: KindErrorRateSpike, Severity: s}
	}
	return out
}

func TestSignalTrend(t *testing.T) {
	w, c, i := alert.SeverityWarning, alert.SeverityCritical, alert.SeverityInfo

	tests := []struct {
		name    string
		signals []Signal
		want    Trend
	}{
		{"empty", nil, TrendStable},
		{"single", sigs(c), TrendStable},
		{"flat", sigs(w, w, w, w), TrendStable},
		{"worsening", sigs(i, w, c, c), TrendWorsening},
		{"improving", sigs(c, c, w, i), TrendImproving},
		{"odd length ignores middle", sigs(w, c, c, c, w), TrendStable},
		{"odd length compares outer halves", sigs(w, c, i, w, w), TrendImproving},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SignalTrend(tt.signals))
		})
	}
}

func TestStateMachine_Transitions(t *testing.T) {
	c := newClock()
	m := NewStateMachine(c.now)
	var seen []string
	m.Listen(func(from, to SystemState) { seen = append(seen, string(from)+"->"+string(to)) })

	assert.Equal(t, StateHealthy, m.State())
	assert.False(t, m.Transition(StateHealthy))

	c.advance(time.Minute)
	assert.True(t, m.Transition(StateCritical))
	_, since := m.Current()
	assert.Equal(t, c.now(), since)

	assert.False(t, m.Transition(StateHealthy), "critical must recover first")
	assert.False(t, m.Transition(StateDegraded))
	assert.True(t, m.Transition(StateRecovering))
	assert.True(t, m.Transition(StateHealthy))

	assert.Equal(t, []string{"healthy->critical", "critical->recovering", "recovering->healthy"}, seen)
}

func TestStateMachine_Escalate(t *testing.T) {
	m := NewStateMachine(nil)

	assert.True(t, m.Escalate(false))
	assert.Equal(t, StateDegraded, m.State())
	assert.False(t, m.Escalate(false))

	assert.True(t, m.Escalate(true))
	assert.Equal(t, StateCritical, m.State())
	assert.False(t, m.Escalate(false), "never downgrades")
	assert.Equal(t, StateCritical, m.State())

	assert.True(t, m.Transition(StateRecovering))
	assert.False(t, m.Escalate(true), "recovery owns the state")
	assert.Equal(t, StateRecovering, m.State())
}
