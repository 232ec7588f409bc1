// Package breaker implements the circuit breaker guarding the backing store.
package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/parkwise/parkcache/internal/logging"
)

// Breaker is a fail-fast gate in front of the backing store. It opens after
// a run of consecutive failures and lets a probe through once the cooldown
// elapses. Successes bleed the failure count down by one instead of
// resetting it, so a single transient failure is smoothed out.
type Breaker struct {
	mu                  sync.Mutex
	open                bool
	consecutiveFailures int
	lastFailureAt       time.Time
	nextRetryAt         time.Time

	threshold int
	cooldown  time.Duration

	trips atomic.Int64

	// onOpen is invoked (outside the lock) on each Closed->Open transition.
	onOpen func(Snapshot)
}

// New creates a breaker. threshold and cooldown fall back to 10 and 60s.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 10
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// OnOpen registers a callback fired on each trip.
func (b *Breaker) OnOpen(fn func(Snapshot)) {
	b.mu.Lock()
	b.onOpen = fn
	b.mu.Unlock()
}

// Allow reports whether a call may proceed. While open it returns false
// until the cooldown elapses; the first call after that closes the breaker
// optimistically and is routed through as the probe. If the probe fails,
// failures accumulate again and the breaker may reopen immediately.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return true
	}
	if time.Now().After(b.nextRetryAt) {
		// The failure count is kept: a failed probe crosses the threshold
		// again at once, a successful one bleeds it down call by call.
		b.open = false
		return true
	}
	return false
}

// RecordSuccess notes a successful backend call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consecutiveFailures > 0 {
		b.consecutiveFailures--
	}
}

// RecordFailure notes a failed backend call, tripping the breaker when the
// threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.consecutiveFailures++
	b.lastFailureAt = time.Now()

	var tripped Snapshot
	var fire func(Snapshot)
	if !b.open && b.consecutiveFailures >= b.threshold {
		b.open = true
		b.nextRetryAt = b.lastFailureAt.Add(b.cooldown)
		b.trips.Add(1)
		tripped = b.snapshotLocked()
		fire = b.onOpen
	}
	b.mu.Unlock()

	if fire != nil {
		logging.Warn("circuit breaker opened",
			zap.Int("consecutive_failures", tripped.ConsecutiveFailures),
			zap.Time("next_retry_at", tripped.NextRetryAt))
		fire(tripped)
	}
}

// IsOpen reports whether the breaker is currently open.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Trips returns how many times the breaker has opened.
func (b *Breaker) Trips() int64 {
	return b.trips.Load()
}

// Snapshot is a point-in-time view of the breaker.
type Snapshot struct {
	Open                bool      `json:"open"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at"`
	NextRetryAt         time.Time `json:"next_retry_at"`
	Threshold           int       `json:"threshold"`
	Trips               int64     `json:"trips"`
}

// Snapshot returns a point-in-time view of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{
		Open:                b.open,
		ConsecutiveFailures: b.consecutiveFailures,
		LastFailureAt:       b.lastFailureAt,
		NextRetryAt:         b.nextRetryAt,
		Threshold:           b.threshold,
		Trips:               b.trips.Load(),
	}
}
