package concurrency

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Record(cb.Allow(), false)
	}
}

func TestCircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Second})

	failN(cb, 2)
	assert.Equal(t, CircuitClosed, cb.State())

	// A success in between resets the count.
	cb.Record(cb.Allow(), true)
	failN(cb, 2)
	assert.Equal(t, CircuitClosed, cb.State())

	failN(cb, 1)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.Allow().Allowed, "open circuit must deny dispatch")

	snap := cb.Snapshot()
	assert.Equal(t, 3, snap.ConsecutiveFailures)
	require.NotNil(t, snap.OpenedAt)
}

func TestCircuitBreakerHalfOpenTrial(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Second, MaxCooldown: 3 * time.Second}).
		WithClock(clock.Now)

	failN(cb, 2)
	require.Equal(t, CircuitOpen, cb.State())

	clock.Advance(999 * time.Millisecond)
	assert.False(t, cb.Allow().Allowed)

	clock.Advance(time.Millisecond)
	trial := cb.Allow()
	assert.True(t, trial.Allowed)
	assert.True(t, trial.Trial)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// Only one trial at a time.
	assert.False(t, cb.Allow().Allowed)

	// Failed trial reopens with a doubled cooldown.
	cb.Record(trial, false)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.Equal(t, 2*time.Second, cb.Snapshot().Cooldown)

	clock.Advance(time.Second)
	assert.False(t, cb.Allow().Allowed)
	clock.Advance(time.Second)
	trial = cb.Allow()
	require.True(t, trial.Trial)

	cb.Record(trial, false)
	assert.Equal(t, 3*time.Second, cb.Snapshot().Cooldown, "cooldown capped")

	clock.Advance(3 * time.Second)
	trial = cb.Allow()
	require.True(t, trial.Trial)
	cb.Record(trial, true)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, time.Second, cb.Snapshot().Cooldown, "cooldown reset on close")
	assert.Equal(t, 0, cb.Snapshot().ConsecutiveFailures)
}

func TestCircuitBreakerLateOutcomesWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})

	inFlight := cb.Allow()
	failN(cb, 2)
	require.Equal(t, CircuitOpen, cb.State())

	// A success from a dispatch made before the trip does not close it.
	cb.Record(inFlight, true)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreakerAbandonTrial(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Second}).WithClock(clock.Now)

	failN(cb, 1)
	clock.Advance(time.Second)
	trial := cb.Allow()
	require.True(t, trial.Trial)

	cb.Abandon(trial)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.True(t, cb.Allow().Trial, "abandoned trial can be handed out again")
}

func TestCircuitBreakerStateChangeHook(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Second}).WithClock(clock.Now)

	var transitions []string
	cb.OnStateChange(func(from, to CircuitBreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	failN(cb, 1)
	clock.Advance(time.Second)
	cb.Record(cb.Allow(), true)

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestCircuitBreakerStateString(t *testing.T) {
	tests := []struct {
		state    CircuitBreakerState
		expected string
	}{
		{CircuitClosed, "CLOSED"},
		{CircuitOpen, "OPEN"},
		{CircuitHalfOpen, "HALF_OPEN"},
		{CircuitBreakerState(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestCircuitBreakerBlocked(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Second}).WithClock(clock.Now)

	assert.False(t, cb.Blocked(), "closed circuit")

	failN(cb, 1)
	require.Equal(t, CircuitOpen, cb.State())
	assert.True(t, cb.Blocked(), "open within cooldown")

	clock.Advance(time.Second)
	assert.False(t, cb.Blocked(), "cooldown elapsed")
	assert.Equal(t, CircuitOpen, cb.State(), "checking must not hand out a trial")

	trial := cb.Allow()
	require.True(t, trial.Trial)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.False(t, cb.Blocked(), "half-open defers to the trial")
	assert.False(t, cb.Allow().Allowed, "only one trial")

	cb.Record(trial, false)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.True(t, cb.Blocked(), "failed trial reopens")
}
