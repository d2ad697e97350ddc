package pipeline

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds the retries of rate-limited and transient dispatch failures
type RetryPolicy struct {
	MaxAttempts         int // total dispatch attempts, including the first
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryPolicy returns 3 attempts with 0.5s, 1s waits (±50% jitter).
// Jitter never makes a wait shorter than the one before it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         3,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         8 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

// Validate checks the policy ranges
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialInterval <= 0 {
		return fmt.Errorf("initial_interval must be positive, got %v", p.InitialInterval)
	}
	if p.MaxInterval < p.InitialInterval {
		return fmt.Errorf("max_interval %v is below initial_interval %v", p.MaxInterval, p.InitialInterval)
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1, got %f", p.Multiplier)
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor > 1 {
		return fmt.Errorf("randomization_factor must be between 0 and 1, got %f", p.RandomizationFactor)
	}
	return nil
}

// hintedBackOff is an exponential backoff that waits at least as long as the
// backend asked for in its last Retry-After, capped at MaxInterval. Waits
// never decrease within one job, whatever the jitter draws.
type hintedBackOff struct {
	exp  *backoff.ExponentialBackOff
	hint time.Duration
	last time.Duration
}

func (p RetryPolicy) newBackOff() *hintedBackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.RandomizationFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
	}
	exp.Reset()
	return &hintedBackOff{exp: exp}
}

// NextBackOff implements backoff.BackOff
func (b *hintedBackOff) NextBackOff() time.Duration {
	next := b.exp.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > next {
		next = min(b.hint, b.exp.MaxInterval)
	}
	b.hint = 0
	next = max(next, b.last)
	b.last = next
	return next
}

// Reset implements backoff.BackOff
func (b *hintedBackOff) Reset() {
	b.exp.Reset()
	b.hint = 0
	b.last = 0
}

func (b *hintedBackOff) setHint(d time.Duration) {
	b.hint = d
}

func (p RetryPolicy) options(b backoff.BackOff, notify backoff.Notify) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(notify),
		// The per-call timeout bounds each attempt; elapsed time is bounded by attempts.
		backoff.WithMaxElapsedTime(0),
	}
}
