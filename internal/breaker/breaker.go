// Package breaker implements the per-service circuit breaker that gates
// every outbound proxy call.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Breaker is a closed/open/half-open state machine guarded by one mutex.
// Admit, OnSuccess and OnFailure each run under that lock; Guard calls
// them in turn and runs op outside it. Admission and the Open->HalfOpen
// transition happen in the same critical section. While HalfOpen, every
// call is admitted until a reported outcome closes or reopens the breaker.
type Breaker struct {
	failureThreshold int
	timeout          time.Duration

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailureAt time.Time
}

// New constructs a breaker with the given failure threshold and cool-down.
// failureThreshold <= 0 defaults to 5, timeout <= 0 defaults to 60s,
// matching the defaults named in spec.md §4.2.
func New(failureThreshold int, timeout time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		timeout:          timeout,
		state:            Closed,
	}
}

// Admit reports whether a call is allowed to proceed right now. If the
// breaker is Open and the cool-down has elapsed, it transitions to
// HalfOpen and admits the call; it never mutates failure counters.
func (b *Breaker) Admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.admitLocked()
}

func (b *Breaker) admitLocked() bool {
	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return true
	case Open:
		if time.Since(b.lastFailureAt) >= b.timeout {
			b.state = HalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// OnSuccess resets failure accounting and closes the breaker.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.lastFailureAt = time.Time{}
	b.state = Closed
}

// OnFailure records a failed call. A threshold number of consecutive
// failures, or any failure while HalfOpen, (re)opens the breaker.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailureAt = time.Now()
	if b.failureCount >= b.failureThreshold || b.state == HalfOpen {
		b.state = Open
	}
}

// ErrOpen is returned by Guard when the breaker refuses admission.
type ErrOpen struct{}

func (ErrOpen) Error() string { return "circuit breaker open" }

// Guard invokes op only if the breaker admits the call, and reports the
// outcome back to the breaker before returning it unchanged to the
// caller. A refusal never counts as a failure — the breaker never trips
// itself further. Callers that want to exempt certain outcomes (e.g. a
// backend 5xx response, which is not a transport failure) should instead
// call Admit/OnSuccess/OnFailure directly, as the proxy engine does.
func Guard(b *Breaker, op func() error) error {
	if !b.Admit() {
		return ErrOpen{}
	}
	err := op()
	if err != nil {
		b.OnFailure()
		return err
	}
	b.OnSuccess()
	return nil
}

// Stats is a read-only snapshot used by the health endpoint and metrics.
type Stats struct {
	State        State
	FailureCount int
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{State: b.state, FailureCount: b.failureCount}
}

// Value returns a small integer encoding of the state for gauge
// export: 0=closed, 1=half_open, 2=open.
func (s State) Value() float64 {
	switch s {
	case Closed:
		return 0
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return -1
	}
}
