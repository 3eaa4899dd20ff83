package retry

import (
	"crypto/rand"
	"math/big"
	"time"
)

// maxSafeFloatInt is the largest integer a float64 mantissa holds exactly.
const maxSafeFloatInt = 1<<53 - 1

// JitterBackoff randomises the delay of a wrapped strategy by ±Jitter.
type JitterBackoff struct {
	Strategy BackoffStrategy
	Jitter   float64 // 0.0 to 1.0
}

// NewJitterBackoff wraps strategy. Jitter is clamped to [0, 1].
func NewJitterBackoff(strategy BackoffStrategy, jitter float64) *JitterBackoff {
	return &JitterBackoff{
		Strategy: strategy,
		Jitter:   min(max(jitter, 0), 1),
	}
}

// NextDelay returns the wrapped delay moved by a random amount within
// ±Jitter of itself. The result is never negative.
func (j *JitterBackoff) NextDelay(attempt int) time.Duration {
	if j.Strategy == nil {
		return 0
	}

	base := j.Strategy.NextDelay(attempt)
	if base == 0 || j.Jitter == 0 {
		return base
	}

	n, err := rand.Int(rand.Reader, big.NewInt(maxSafeFloatInt))
	if err != nil {
		return base
	}
	// [0, 1) mapped onto [-1, 1)
	spread := float64(n.Int64())/float64(maxSafeFloatInt)*2 - 1

	delay := float64(base) + spread*float64(base)*j.Jitter
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}
