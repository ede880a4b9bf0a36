package watchdog

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker position for one service.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// breaker gates health probes for one service. Closed probes normally; after
// enough consecutive failures it opens and suppresses probes for a cooldown
// that doubles on every re-trip. After the cooldown one half-open probe
// decides: success closes and resets the cooldown, failure re-opens.
type breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	initial   time.Duration
	max       time.Duration
	openedAt  time.Time
	now       func() time.Time
}

func newBreaker(threshold int, initial, max time.Duration, now func() time.Time) *breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if initial <= 0 {
		initial = 30 * time.Second
	}
	if max <= 0 {
		max = 10 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &breaker{threshold: threshold, cooldown: initial, initial: initial, max: max, now: now}
}

// AllowProbe reports whether the next scheduled probe may run, moving an
// open breaker to half-open when its cooldown has elapsed.
func (b *breaker) AllowProbe() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed, BreakerHalfOpen:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return true
}

// RecordSuccess closes the breaker and resets the failure budget.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != BreakerClosed {
		b.state = BreakerClosed
		b.cooldown = b.initial
	}
}

// RecordFailure counts one failed probe. It returns true when this failure
// tripped the breaker, which is the caller's cue to attempt recovery.
func (b *breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		// the trial probe failed; back off harder
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.cooldown = min(b.cooldown*2, b.max)
		return true
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
			return true
		}
	}
	return false
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
