package fanout

import (
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state guarding publishes.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (state State) String() string {
	switch state {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "invalid"
	}
}

func (state State) validateTransitionTo(next State) error {
	switch state {
	case StateClosed:
		if next == StateOpen {
			return nil
		}
	case StateOpen:
		if next == StateHalfOpen {
			return nil
		}
	case StateHalfOpen:
		if next == StateClosed || next == StateOpen {
			return nil
		}
	}
	return fmt.Errorf("invalid breaker transition from %v to %v", state, next)
}

// breaker opens after threshold consecutive failures, rejects calls for the
// cooldown, then lets a single trial call through in half-open state.
type breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	trialBusy bool
	lastError error
	now       func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration, clock func() time.Time) *breaker {
	return &breaker{state: StateClosed, threshold: threshold, cooldown: cooldown, now: clock}
}

func (b *breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	if err := b.state.validateTransitionTo(next); err != nil {
		return
	}
	b.state = next
	if next == StateOpen {
		b.openedAt = b.now()
	}
	if next != StateHalfOpen {
		b.trialBusy = false
	}
}

// allow reports whether a call may proceed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transitionLocked(StateHalfOpen)
		b.trialBusy = true
		return true
	case StateHalfOpen:
		if b.trialBusy {
			return false
		}
		b.trialBusy = true
		return true
	}
	return false
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.lastError = nil
	if b.state == StateHalfOpen {
		b.transitionLocked(StateClosed)
	}
}

func (b *breaker) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastError = err
	switch b.state {
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	case StateClosed:
		if b.failures >= b.threshold {
			b.transitionLocked(StateOpen)
		}
	}
}

func (b *breaker) snapshot() (State, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures, b.lastError
}
