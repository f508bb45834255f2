package concurrency

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicyConfig holds the backoff parameters.
type RetryPolicyConfig struct {
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	MaxAttempts   int
	// Jitter enables half-jitter: the delay is drawn uniformly from [d/2, d].
	Jitter bool
	// RateLimitMultiplier scales the delay for RateLimit failures.
	RateLimitMultiplier float64
	// FallbackOnRateLimit sets the fallback hint on RateLimit decisions.
	FallbackOnRateLimit bool
}

// DefaultRetryPolicyConfig returns conservative defaults.
func DefaultRetryPolicyConfig() RetryPolicyConfig {
	return RetryPolicyConfig{
		InitialDelay:        1 * time.Second,
		BackoffFactor:       2.0,
		MaxDelay:            time.Minute,
		MaxAttempts:         3,
		Jitter:              true,
		RateLimitMultiplier: 2.0,
		FallbackOnRateLimit: true,
	}
}

// RetryDecision is the outcome of consulting the policy after a failure.
type RetryDecision struct {
	Retry bool
	// Delay is the backoff computed for the failed attempt. It is filled in
	// even when Retry is false so the schedule is visible in task history.
	Delay time.Duration
	// UseFallback hints that the next attempt should use a cheaper resource.
	UseFallback bool
}

// RetryPolicy is a pure decision function over attempt number and error class.
type RetryPolicy struct {
	cfg  RetryPolicyConfig
	rand func() float64
}

// NewRetryPolicy creates a policy, filling zero values with defaults.
func NewRetryPolicy(cfg RetryPolicyConfig) *RetryPolicy {
	def := DefaultRetryPolicyConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RateLimitMultiplier < 1 {
		cfg.RateLimitMultiplier = 1
	}
	return &RetryPolicy{cfg: cfg, rand: rand.Float64}
}

// WithRand replaces the jitter source (useful for testing). fn must return
// values in [0, 1).
func (p *RetryPolicy) WithRand(fn func() float64) *RetryPolicy {
	p.rand = fn
	return p
}

// MaxAttempts returns the attempt cap.
func (p *RetryPolicy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// Config returns the effective configuration.
func (p *RetryPolicy) Config() RetryPolicyConfig {
	return p.cfg
}

// BaseDelay returns the un-jittered delay for the given attempt (1-indexed):
// min(maxDelay, initialDelay * factor^(attempt-1)).
func (p *RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.BackoffFactor, float64(attempt-1))
	if d > float64(p.cfg.MaxDelay) || math.IsInf(d, 1) || math.IsNaN(d) {
		return p.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns the delay for attempt and class, with class scaling and jitter
// applied. The result never exceeds MaxDelay.
func (p *RetryPolicy) Delay(attempt int, class ErrorClass) time.Duration {
	d := p.BaseDelay(attempt)
	if class == ClassRateLimit && p.cfg.RateLimitMultiplier > 1 {
		scaled := float64(d) * p.cfg.RateLimitMultiplier
		if scaled > float64(p.cfg.MaxDelay) {
			d = p.cfg.MaxDelay
		} else {
			d = time.Duration(scaled)
		}
	}
	if p.cfg.Jitter && d > 0 {
		half := d / 2
		d = half + time.Duration(p.rand()*float64(d-half))
	}
	return d
}

// Decide computes whether the task should be attempted again after
// attemptNumber attempts ended with class. Attempts are 1-indexed; once
// attemptNumber reaches MaxAttempts no further attempt is allowed.
func (p *RetryPolicy) Decide(attemptNumber int, class ErrorClass) RetryDecision {
	decision := RetryDecision{Delay: p.Delay(attemptNumber, class)}
	if !class.Retryable() {
		return decision
	}
	if attemptNumber >= p.cfg.MaxAttempts {
		return decision
	}
	decision.Retry = true
	decision.UseFallback = class == ClassRateLimit && p.cfg.FallbackOnRateLimit
	return decision
}
