// Package step tracks the step currently being recorded as an explicit
// state machine. Lifecycle events drive it through the On* transitions.
package step

import "sync"

// State of the current step.
type State int

const (
	Idle State = iota
	Started
	Succeeded
	Failed
	RetryPending
	Propagated
)

var stateNames = [...]string{
	Idle:         "idle",
	Started:      "started",
	Succeeded:    "succeeded",
	Failed:       "failed",
	RetryPending: "retry pending",
	Propagated:   "propagated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Snapshot is a copy of the context at one point in time.
type Snapshot struct {
	Name    string
	State   State
	Retries int
}

// Context holds the name and state of the current step. It is safe for
// concurrent use.
type Context struct {
	mu      sync.Mutex
	name    string
	state   State
	retries int
}

// OnStepStarted opens a step.
func (c *Context) OnStepStarted(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
	c.state = Started
	c.retries = 0
}

// OnStepFailed records a failed attempt of the current step. A failure
// reported while a retry is pending belongs to that retried attempt.
func (c *Context) OnStepFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Started || c.state == RetryPending {
		c.state = Failed
	}
}

// OnRetry marks the failed step as scheduled for another attempt.
func (c *Context) OnRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Failed || c.state == Started {
		c.state = RetryPending
		c.retries++
	}
}

// OnGiveUp marks the failure as final.
func (c *Context) OnGiveUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		c.state = Propagated
	}
}

// OnStepPassed marks the current step as succeeded.
func (c *Context) OnStepPassed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		c.state = Succeeded
	}
}

// OnStepFinished closes the step and clears its name.
func (c *Context) OnStepFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = ""
	c.state = Idle
	c.retries = 0
}

// Name returns the current step name, empty when idle.
func (c *Context) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Active reports whether a step is open.
func (c *Context) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != Idle
}

// Snapshot returns the current name, state and retry count.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{Name: c.name, State: c.state, Retries: c.retries}
}
