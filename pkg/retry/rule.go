package retry

import "time"

const (
	// DefaultMinTimeout is the delay before a retry when a rule sets none.
	DefaultMinTimeout = 150 * time.Millisecond
	// DefaultMaxTimeout caps growing delays when a rule sets no cap.
	DefaultMaxTimeout = 10 * time.Second
)

// Rule is one retry policy registered on a Stack.
type Rule struct {
	// MaxRetries is the number of attempts allowed after the first one.
	MaxRetries int
	// When selects the failures this rule applies to. Nil accepts all.
	When Matcher
	// Identifier locates the rule for PopByIdentifier. Empty means anonymous.
	Identifier string
	// MinTimeout is the minimum delay before a retried attempt.
	MinTimeout time.Duration
	// MaxTimeout caps the delay once Factor makes it grow.
	MaxTimeout time.Duration
	// Factor multiplies the delay on each retry. Values <= 1 keep it constant.
	Factor float64
	// Jitter randomises delays by ±Jitter (0 to 1).
	Jitter float64
}

// Applies reports whether the rule governs err.
func (r Rule) Applies(err error) bool {
	if err == nil {
		return false
	}
	if r.When == nil {
		return true
	}
	return r.When.Match(err)
}

// Backoff returns the strategy derived from the rule's timing fields.
//
//nolint:ireturn // Strategy depends on the rule configuration
func (r Rule) Backoff() BackoffStrategy {
	var strategy BackoffStrategy
	if r.Factor > 1 {
		strategy = NewExponentialBackoff(r.MinTimeout, r.maxTimeout(), r.Factor)
	} else {
		strategy = NewFixedBackoff(r.MinTimeout)
	}
	if r.Jitter > 0 {
		strategy = NewJitterBackoff(strategy, r.Jitter)
	}
	return strategy
}

// Delay returns the wait before retry number attempt (1-based). It is never
// below MinTimeout.
func (r Rule) Delay(attempt int) time.Duration {
	return max(r.Backoff().NextDelay(attempt), r.MinTimeout)
}

func (r Rule) maxTimeout() time.Duration {
	if r.MaxTimeout <= 0 {
		return max(DefaultMaxTimeout, r.MinTimeout)
	}
	return max(r.MaxTimeout, r.MinTimeout)
}

func (r Rule) observer() (Observer, bool) {
	o, ok := r.When.(Observer)
	return o, ok
}

// NotifyRetrying tells an observing matcher that attempt is about to be
// scheduled for err.
func (r Rule) NotifyRetrying(err error, attempt int) {
	if o, ok := r.observer(); ok {
		o.Retrying(err, attempt)
	}
}

// NotifyGaveUp tells an observing matcher that its budget ran out.
func (r Rule) NotifyGaveUp(err error) {
	if o, ok := r.observer(); ok {
		o.GaveUp(err)
	}
}
