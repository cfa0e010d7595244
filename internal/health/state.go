package health

import (
	"sync"
	"time"
)

// SystemState is the pipeline-wide health state.
type SystemState string

const (
	StateHealthy    SystemState = "healthy"
	StateDegraded   SystemState = "degraded"
	StateCritical   SystemState = "critical"
	StateRecovering SystemState = "recovering"
)

// AllStates lists every state, for metrics.
var AllStates = []string{string(StateHealthy), string(StateDegraded), string(StateCritical), string(StateRecovering)}

var allowedTransitions = map[SystemState][]SystemState{
	StateHealthy:    {StateDegraded, StateCritical, StateRecovering},
	StateDegraded:   {StateCritical, StateRecovering, StateHealthy},
	StateCritical:   {StateRecovering},
	StateRecovering: {StateHealthy, StateDegraded, StateCritical},
}

// StateListener is called after every state change, outside the lock.
type StateListener func(from, to SystemState)

// StateMachine tracks SystemState. Only the transitions in allowedTransitions
// are accepted.
type StateMachine struct {
	mu        sync.RWMutex
	state     SystemState
	since     time.Time
	now       func() time.Time
	listeners []StateListener
}

// NewStateMachine starts in the healthy state.
func NewStateMachine(now func() time.Time) *StateMachine {
	if now == nil {
		now = time.Now
	}
	return &StateMachine{state: StateHealthy, since: now(), now: now}
}

// Listen registers a listener.
func (m *StateMachine) Listen(fn StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Current returns the state and when it was entered.
func (m *StateMachine) Current() (SystemState, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.since
}

// State returns the current state.
func (m *StateMachine) State() SystemState {
	s, _ := m.Current()
	return s
}

// Transition moves to next if allowed. Returns false if the move is not allowed
// or the machine is already in next.
func (m *StateMachine) Transition(next SystemState) bool {
	m.mu.Lock()
	return m.transitionLocked(next)
}

// Escalate moves toward the state matching a problem severity: degraded for
// warnings, critical for critical signals. It never downgrades and leaves the
// recovering state alone.
func (m *StateMachine) Escalate(critical bool) bool {
	m.mu.Lock()
	switch cur := m.state; {
	case cur == StateRecovering:
	case critical && cur != StateCritical:
		return m.transitionLocked(StateCritical)
	case !critical && cur == StateHealthy:
		return m.transitionLocked(StateDegraded)
	}
	m.mu.Unlock()
	return false
}

// transitionLocked is called with mu held and releases it before notifying.
func (m *StateMachine) transitionLocked(next SystemState) bool {
	from := m.state
	if !canTransition(from, next) {
		m.mu.Unlock()
		return false
	}
	m.state = next
	m.since = m.now()
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(from, next)
	}
	return true
}

func canTransition(from, to SystemState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
