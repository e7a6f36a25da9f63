package engine

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker scope.
type BreakerState int

const (
	// BreakerClosed allows execution.
	BreakerClosed BreakerState = iota
	// BreakerOpen blocks execution until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen allows a single probe job.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker counts consecutive failures for one scope (global or per-module).
// N consecutive failures open it; it stays open for the cool-down; the first
// success after cool-down closes it. State is only mutated inside the
// engine's advisory-locked critical section, but the mutex keeps reads from
// the admin surface safe.
type Breaker struct {
	mu sync.Mutex

	scope       string
	maxFailures int
	coolDown    time.Duration

	state      BreakerState
	failures   int
	openedAt   time.Time
	lastReason string
	lastProbe  time.Time
}

// NewBreaker creates a closed breaker for a scope.
func NewBreaker(scope string, maxFailures int, coolDown time.Duration) *Breaker {
	return &Breaker{scope: scope, maxFailures: maxFailures, coolDown: coolDown, state: BreakerClosed}
}

// Allow reports whether a job may run now. In the open state it transitions
// to half-open once the cool-down elapsed and admits exactly one probe.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Sub(b.openedAt) < b.coolDown {
			return false
		}
		// The transition itself consumes the single probe.
		b.state = BreakerHalfOpen
		b.lastProbe = now
		slog.Info("circuit breaker half-open",
			slog.String("scope", b.scope), slog.Duration("cool_down", b.coolDown))
		return true
	case BreakerHalfOpen:
		// Blocked until the probe settles. A probe that never settled (no
		// due job that tick) re-arms after another cool-down so the scope
		// cannot wedge half-open.
		if now.Sub(b.lastProbe) >= b.coolDown {
			b.lastProbe = now
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess resets the consecutive-failure counter; the first success in
// half-open closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		slog.Info("circuit breaker closed", slog.String("scope", b.scope))
	}
	b.state = BreakerClosed
	b.failures = 0
	b.openedAt = time.Time{}
	b.lastReason = ""
	b.lastProbe = time.Time{}
}

// RecordFailure bumps the counter; crossing the threshold (or any failure in
// half-open) opens the breaker. Returns true when this call opened it.
func (b *Breaker) RecordFailure(now time.Time, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastReason = reason
	opened := false
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.maxFailures {
			b.state = BreakerOpen
			b.openedAt = now
			opened = true
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = now
		b.lastProbe = time.Time{}
		opened = true
	case BreakerOpen:
		// Already open; keep the original openedAt so the cool-down clock
		// is not extended by deferred jobs.
	}
	if opened {
		slog.Warn("circuit breaker opened",
			slog.String("scope", b.scope),
			slog.Int("consecutive_failures", b.failures),
			slog.String("reason", reason))
	}
	return opened
}

// Snapshot returns the observable state for the admin surface.
func (b *Breaker) Snapshot() (state BreakerState, failures int, openedAt time.Time, lastReason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures, b.openedAt, b.lastReason
}

// ConsecutiveFailures returns the current counter.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
