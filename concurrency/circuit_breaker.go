package concurrency

import (
	"fmt"
	"sync"
	"time"

	"github.com/smtg-ai/genbatch/log"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	// CircuitClosed indicates normal operation
	CircuitClosed CircuitBreakerState = iota
	// CircuitOpen indicates dispatch is short-circuited
	CircuitOpen
	// CircuitHalfOpen indicates a single trial dispatch is allowed
	CircuitHalfOpen
)

// String returns the string representation of CircuitBreakerState
func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name.
func (s CircuitBreakerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *CircuitBreakerState) UnmarshalText(text []byte) error {
	for _, c := range []CircuitBreakerState{CircuitClosed, CircuitOpen, CircuitHalfOpen} {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown circuit state %q", text)
}

// CircuitBreakerConfig configures trip and recovery.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a trial is allowed.
	Cooldown time.Duration
	// MaxCooldown caps the cooldown after repeated failed trials. Each failed
	// trial doubles the cooldown up to this value.
	MaxCooldown time.Duration
}

// DefaultCircuitBreakerConfig returns the default trip settings.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		MaxCooldown:      4 * time.Minute,
	}
}

// Permit is the answer to a dispatch request.
type Permit struct {
	Allowed bool
	// Trial marks the single dispatch allowed while half-open.
	Trial bool
}

// CircuitBreakerSnapshot is a read-only copy of breaker state.
type CircuitBreakerSnapshot struct {
	State               CircuitBreakerState `json:"state"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	OpenedAt            *time.Time          `json:"opened_at,omitempty"`
	Cooldown            time.Duration       `json:"cooldown_ns"`
}

// CircuitBreaker implements the circuit breaker pattern over task outcomes.
// It is written only by orchestrator control loops; the mutex lets observers
// read snapshots and lets a breaker be shared between batches.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg CircuitBreakerConfig
	now func() time.Time

	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration
	trialInFlight       bool

	onStateChange func(from, to CircuitBreakerState)
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	return &CircuitBreaker{
		cfg:      cfg,
		now:      time.Now,
		state:    CircuitClosed,
		cooldown: cfg.Cooldown,
	}
}

// WithClock replaces the time source (useful for testing).
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	return cb
}

// OnStateChange registers a callback invoked after every transition. The
// callback runs with the breaker lock released.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitBreakerState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow asks whether a new dispatch may proceed. An open circuit whose
// cooldown has elapsed moves to half-open and hands out exactly one trial.
func (cb *CircuitBreaker) Allow() Permit {
	cb.mu.Lock()
	var from, to CircuitBreakerState
	changed := false
	permit := Permit{}

	switch cb.state {
	case CircuitClosed:
		permit.Allowed = true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			from, to, changed = cb.state, CircuitHalfOpen, true
			cb.state = CircuitHalfOpen
			cb.trialInFlight = true
			permit = Permit{Allowed: true, Trial: true}
		}
	case CircuitHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			permit = Permit{Allowed: true, Trial: true}
		}
	}
	hook := cb.onStateChange
	cb.mu.Unlock()

	if changed {
		cb.notify(hook, from, to)
	}
	return permit
}

// Blocked reports whether the circuit is open and still cooling down. It
// never hands out a trial. A half-open circuit is not blocked: queued work
// waits for the trial's outcome through Allow.
func (cb *CircuitBreaker) Blocked() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) < cb.cooldown
}

// Record applies the outcome of a dispatch made under permit.
func (cb *CircuitBreaker) Record(permit Permit, success bool) {
	cb.mu.Lock()
	from := cb.state
	to := cb.state

	switch cb.state {
	case CircuitClosed:
		if success {
			cb.consecutiveFailures = 0
		} else {
			cb.consecutiveFailures++
			if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
				to = CircuitOpen
				cb.openedAt = cb.now()
			}
		}
	case CircuitOpen:
		// Late outcomes from dispatches made before the trip do not move the
		// circuit; only a half-open trial can close it.
		if !success {
			cb.consecutiveFailures++
		}
	case CircuitHalfOpen:
		if !permit.Trial {
			if !success {
				cb.consecutiveFailures++
			}
			break
		}
		cb.trialInFlight = false
		if success {
			to = CircuitClosed
			cb.consecutiveFailures = 0
			cb.cooldown = cb.cfg.Cooldown
		} else {
			to = CircuitOpen
			cb.consecutiveFailures++
			cb.openedAt = cb.now()
			cb.cooldown *= 2
			if cb.cooldown > cb.cfg.MaxCooldown {
				cb.cooldown = cb.cfg.MaxCooldown
			}
		}
	}
	cb.state = to
	hook := cb.onStateChange
	cb.mu.Unlock()

	if from != to {
		cb.notify(hook, from, to)
	}
}

// Abandon returns a trial permit whose dispatch ended without a verdict, for
// example because the batch was cancelled.
func (cb *CircuitBreaker) Abandon(permit Permit) {
	if !permit.Trial {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.trialInFlight = false
	}
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a copy of the breaker state.
func (cb *CircuitBreaker) Snapshot() CircuitBreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s := CircuitBreakerSnapshot{
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		Cooldown:            cb.cooldown,
	}
	if cb.state != CircuitClosed {
		t := cb.openedAt
		s.OpenedAt = &t
	}
	return s
}

func (cb *CircuitBreaker) notify(hook func(from, to CircuitBreakerState), from, to CircuitBreakerState) {
	switch to {
	case CircuitOpen:
		log.WarningLog.Printf("circuit breaker %s -> %s", from, to)
	default:
		log.InfoLog.Printf("circuit breaker %s -> %s", from, to)
	}
	if hook != nil {
		hook(from, to)
	}
}
