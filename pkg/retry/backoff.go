package retry

import (
	"math"
	"time"
)

// BackoffStrategy computes the delay that precedes a retried attempt.
// Attempts are numbered from 1 (the first retry).
type BackoffStrategy interface {
	NextDelay(attempt int) time.Duration
}

// FixedBackoff waits the same delay before every retry.
type FixedBackoff struct {
	Delay time.Duration
}

// NewFixedBackoff creates a new FixedBackoff instance.
func NewFixedBackoff(delay time.Duration) *FixedBackoff {
	return &FixedBackoff{Delay: delay}
}

// NextDelay returns the fixed delay regardless of attempt number.
func (f *FixedBackoff) NextDelay(_ int) time.Duration {
	return f.Delay
}

// ExponentialBackoff grows the delay by Multiplier on every retry, starting at
// BaseDelay and never exceeding MaxDelay.
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// NewExponentialBackoff creates a new ExponentialBackoff instance.
func NewExponentialBackoff(baseDelay, maxDelay time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
		Multiplier: multiplier,
	}
}

// NextDelay returns BaseDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return e.BaseDelay
	}

	delay := float64(e.BaseDelay) * math.Pow(e.Multiplier, float64(attempt-1))
	if delay > float64(e.MaxDelay) || delay > float64(math.MaxInt64) {
		return e.MaxDelay
	}
	return time.Duration(delay)
}
