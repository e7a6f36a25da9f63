package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	now := time.Now()
	b := NewBreaker("test", 3, time.Minute)

	assert.False(t, b.RecordFailure(now, "f1"))
	assert.False(t, b.RecordFailure(now, "f2"))
	assert.True(t, b.Allow(now))
	assert.True(t, b.RecordFailure(now, "f3"), "third failure opens")
	assert.False(t, b.Allow(now))

	state, failures, openedAt, reason := b.Snapshot()
	assert.Equal(t, BreakerOpen, state)
	assert.Equal(t, 3, failures)
	assert.Equal(t, now, openedAt)
	assert.Equal(t, "f3", reason)
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	t.Parallel()
	now := time.Now()
	b := NewBreaker("test", 3, time.Minute)

	b.RecordFailure(now, "f1")
	b.RecordFailure(now, "f2")
	b.RecordSuccess()
	assert.Equal(t, 0, b.ConsecutiveFailures())

	// The streak starts over; two more failures do not open.
	b.RecordFailure(now, "f1")
	b.RecordFailure(now, "f2")
	assert.True(t, b.Allow(now))
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	t.Parallel()
	now := time.Now()
	b := NewBreaker("test", 1, time.Minute)
	b.RecordFailure(now, "f")

	assert.False(t, b.Allow(now.Add(59*time.Second)), "still cooling down")

	after := now.Add(time.Minute)
	assert.True(t, b.Allow(after), "cool-down elapsed admits one probe")
	assert.False(t, b.Allow(after), "only one probe until it settles")
	assert.False(t, b.Allow(after), "repeated polls stay blocked")

	b.RecordSuccess()
	state, _, _, _ := b.Snapshot()
	assert.Equal(t, BreakerClosed, state)
	assert.True(t, b.Allow(after))
}

func TestBreakerUnsettledProbeRearmsAfterCoolDown(t *testing.T) {
	t.Parallel()
	now := time.Now()
	b := NewBreaker("test", 1, time.Minute)
	b.RecordFailure(now, "f")

	probe := now.Add(time.Minute)
	assert.True(t, b.Allow(probe))

	// Nothing settled the probe (no due job ran); the scope must not stay
	// half-open forever.
	assert.False(t, b.Allow(probe.Add(30*time.Second)))
	assert.True(t, b.Allow(probe.Add(time.Minute)), "a new probe is admitted per cool-down")
	assert.False(t, b.Allow(probe.Add(time.Minute)))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	now := time.Now()
	b := NewBreaker("test", 1, time.Minute)
	b.RecordFailure(now, "f")

	probe := now.Add(time.Minute)
	assert.True(t, b.Allow(probe))
	assert.True(t, b.RecordFailure(probe, "probe failed"), "half-open failure reopens")

	state, _, openedAt, _ := b.Snapshot()
	assert.Equal(t, BreakerOpen, state)
	assert.Equal(t, probe, openedAt, "cool-down clock restarts at the probe failure")
	assert.False(t, b.Allow(probe.Add(30*time.Second)))
	assert.True(t, b.Allow(probe.Add(time.Minute)))
}

func TestBreakerOpenFailuresKeepOpenedAt(t *testing.T) {
	t.Parallel()
	now := time.Now()
	b := NewBreaker("test", 1, time.Minute)
	b.RecordFailure(now, "f")

	// Deferred-job failures while open must not extend the cool-down.
	assert.False(t, b.RecordFailure(now.Add(30*time.Second), "late"))
	_, _, openedAt, _ := b.Snapshot()
	assert.Equal(t, now, openedAt)
}

func TestBreakerStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half-open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(99).String())
}
