// Package backoff computes capped exponential retry delays with symmetric jitter.
package backoff

import (
	"math/rand"
	"time"
)

// Exhausted is returned by NextDelay once the attempt budget is spent.
const Exhausted time.Duration = -1

// Defaults used when a Policy field is left zero.
const (
	DefaultBase        = time.Second
	DefaultMax         = 30 * time.Second
	DefaultMaxAttempts = 10
	DefaultJitter      = 0.1
)

// Source yields floats in [0, 1). *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

type globalSource struct{}

func (globalSource) Float64() float64 { return rand.Float64() }

// NextDelay returns min(base*2^attempt, max) perturbed by up to ±jitter*capped/2.
// It returns Exhausted when attempt >= maxAttempts. A nil src disables jitter.
func NextDelay(attempt, maxAttempts int, base, max time.Duration, jitter float64, src Source) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= maxAttempts {
		return Exhausted
	}
	capped := capDelay(attempt, base, max)
	if jitter <= 0 || src == nil {
		return capped
	}
	offset := float64(capped) * jitter * (src.Float64() - 0.5)
	return capped + time.Duration(offset)
}

// capDelay computes min(base*2^attempt, max) without overflowing.
func capDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if max <= 0 {
		max = base
	}
	if attempt >= 62 || base > max>>uint(attempt) {
		return max
	}
	d := base << uint(attempt)
	if d > max {
		return max
	}
	return d
}

// Policy bundles the bounds used by the reconnect scheduler.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	Jitter      float64
	Source      Source
}

// WithDefaults fills zero fields. A negative Jitter means "no jitter".
func (p Policy) WithDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Jitter == 0 {
		p.Jitter = DefaultJitter
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Source == nil {
		p.Source = globalSource{}
	}
	return p
}

// Delay returns the delay before the given zero-based attempt, or Exhausted.
func (p Policy) Delay(attempt int) time.Duration {
	return NextDelay(attempt, p.MaxAttempts, p.Base, p.Max, p.Jitter, p.Source)
}

// CanRetry reports whether attempt is still within the budget.
func (p Policy) CanRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}
