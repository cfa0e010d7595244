// Package breaker guards calls to unreliable collaborators with per-key
// circuit breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// State is a breaker state.
type State int

const (
	// Closed lets calls through and counts consecutive failures.
	Closed State = iota
	// Open rejects calls until the cooldown has elapsed.
	Open
	// HalfOpen allows a single probe call.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ParseState parses the String form of a State.
func ParseState(s string) (State, error) {
	switch s {
	case "closed":
		return Closed, nil
	case "open":
		return Open, nil
	case "half-open":
		return HalfOpen, nil
	default:
		return Closed, fmt.Errorf("unknown breaker state %q", s)
	}
}

// ErrCircuitOpen is matched by every *CircuitOpenError.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitOpenError is returned without attempting the call.
type CircuitOpenError struct {
	Key string
	// RetryAfter is how long until a probe will be allowed. Zero while a probe is in flight.
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%s is temporarily unavailable, retry later", e.Key)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// Snapshot is an immutable view of a breaker.
type Snapshot struct {
	Key                 string        `json:"key"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailureAt       time.Time     `json:"last_failure_at"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	Cooldown            time.Duration `json:"cooldown"`
	ProbeInFlight       bool          `json:"probe_in_flight"`
}

// Breaker is a single circuit breaker. Reads go through an atomically
// published Snapshot; every mutation goes through transition under mu.
type Breaker struct {
	threshold int
	mu        sync.Mutex
	snap      atomic.Pointer[Snapshot]
	now       func() time.Time
	onChange  func(key string, from, to State)
}

func newBreaker(key string, threshold int, cooldown time.Duration, now func() time.Time, onChange func(string, State, State)) *Breaker {
	b := &Breaker{threshold: threshold, now: now, onChange: onChange}
	b.snap.Store(&Snapshot{Key: key, State: Closed, Cooldown: cooldown})
	return b
}

// Snapshot returns the current state without locking.
func (b *Breaker) Snapshot() Snapshot {
	return *b.snap.Load()
}

// State returns the current state without locking.
func (b *Breaker) State() State {
	return b.snap.Load().State
}

// transition publishes next and fires the change hook outside the lock.
// Callers hold mu.
func (b *Breaker) transition(next Snapshot) func() {
	prev := b.snap.Load()
	b.snap.Store(&next)
	if prev.State != next.State && b.onChange != nil {
		return func() { b.onChange(next.Key, prev.State, next.State) }
	}
	return func() {}
}

// retryAfter reads the snapshot without locking; see Supervisor.RetryAfter.
func (b *Breaker) retryAfter() (time.Duration, bool) {
	cur := b.snap.Load()
	switch cur.State {
	case Open:
		if wait := cur.Cooldown - b.now().Sub(cur.LastFailureAt); wait > 0 {
			return wait, true
		}
		return 0, false
	case HalfOpen:
		return 0, true
	default:
		return 0, false
	}
}

// allow reports whether a call may proceed. In the open state, the first call
// after the cooldown becomes the half-open probe; until it reports back every
// other call is rejected.
func (b *Breaker) allow() (probe bool, err error) {
	b.mu.Lock()
	cur := *b.snap.Load()
	now := b.now()

	switch cur.State {
	case Closed:
		b.mu.Unlock()
		return false, nil
	case Open:
		elapsed := now.Sub(cur.LastFailureAt)
		if elapsed < cur.Cooldown {
			b.mu.Unlock()
			return false, &CircuitOpenError{Key: cur.Key, RetryAfter: cur.Cooldown - elapsed}
		}
		cur.State = HalfOpen
		cur.ProbeInFlight = true
		fire := b.transition(cur)
		b.mu.Unlock()
		fire()
		return true, nil
	default:
		b.mu.Unlock()
		return false, &CircuitOpenError{Key: cur.Key}
	}
}

// record applies the outcome of a call. Outcomes of calls admitted while closed
// that land after the breaker opened are ignored.
func (b *Breaker) record(probe, success bool) {
	b.mu.Lock()
	cur := *b.snap.Load()
	now := b.now()

	switch {
	case probe:
		cur.ProbeInFlight = false
		if success {
			cur.State = Closed
			cur.ConsecutiveFailures = 0
			cur.LastSuccessAt = now
		} else {
			cur.State = Open
			cur.ConsecutiveFailures++
			cur.LastFailureAt = now
		}
	case cur.State != Closed:
		b.mu.Unlock()
		return
	case success:
		cur.ConsecutiveFailures = 0
		cur.LastSuccessAt = now
	default:
		cur.ConsecutiveFailures++
		cur.LastFailureAt = now
		if cur.ConsecutiveFailures >= b.threshold {
			cur.State = Open
		}
	}

	fire := b.transition(cur)
	b.mu.Unlock()
	fire()
}

// trip forces the breaker open as if the threshold had just been reached.
func (b *Breaker) trip() {
	b.mu.Lock()
	cur := *b.snap.Load()
	cur.State = Open
	cur.ProbeInFlight = false
	cur.LastFailureAt = b.now()
	fire := b.transition(cur)
	b.mu.Unlock()
	fire()
}

// reset closes the breaker and clears the failure count.
func (b *Breaker) reset() {
	b.mu.Lock()
	cur := *b.snap.Load()
	cur.State = Closed
	cur.ConsecutiveFailures = 0
	cur.ProbeInFlight = false
	fire := b.transition(cur)
	b.mu.Unlock()
	fire()
}

// do runs fn under the breaker with a timeout. A timeout counts as a failure.
// fn must honour ctx; if it does not, do still returns at the deadline and the
// late result is discarded.
func (b *Breaker) do(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}

	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(callCtx) }()

	select {
	case err = <-done:
	case <-callCtx.Done():
		err = callCtx.Err()
	}

	// Cancellation by the caller says nothing about the collaborator.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		if probe {
			b.mu.Lock()
			cur := *b.snap.Load()
			cur.State = Open
			cur.ProbeInFlight = false
			fire := b.transition(cur)
			b.mu.Unlock()
			fire()
		}
		return err
	}

	b.record(probe, err == nil)
	return err
}
