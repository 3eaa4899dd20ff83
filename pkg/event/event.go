// Package event provides the in-process bus announcing test and step
// lifecycle transitions.
package event

import (
	"sync"
)

// Name identifies a lifecycle event.
type Name string

// Lifecycle events.
const (
	TestBefore   Name = "test.before"
	TestPassed   Name = "test.passed"
	TestFailed   Name = "test.failed"
	TestAfter    Name = "test.after"
	StepStarted  Name = "step.started"
	StepPassed   Name = "step.passed"
	StepFailed   Name = "step.failed"
	StepRetried  Name = "step.retried"
	StepFinished Name = "step.finished"
)

// Test is the payload of test.* events.
type Test struct {
	Title string
	// DisableRetryFailedStep opts the test out of automatic step retries.
	DisableRetryFailedStep bool
	Err                    error
}

// Step is the payload of step.* events.
type Step struct {
	Name    string
	Attempt int
	Err     error
}

// Handler receives the payload of an emitted event.
type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Dispatcher is a synchronous publish/subscribe bus. Handlers run in the
// emitting goroutine, in subscription order.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Name][]subscription

	seq  uint64
	last map[Name]emission
}

type emission struct {
	seq     uint64
	payload any
}

// NewDispatcher returns a dispatcher without subscribers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subs: make(map[Name][]subscription),
		last: make(map[Name]emission),
	}
}

// On subscribes h to name and returns a function removing the subscription.
func (d *Dispatcher) On(name Name, h Handler) (unsubscribe func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subs[name] = append(d.subs[name], subscription{id: id, handler: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.off(name, id) })
	}
}

func (d *Dispatcher) off(name Name, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.subs[name]
	for i := range subs {
		if subs[i].id == id {
			d.subs[name] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit calls every handler subscribed to name with payload. Handlers added
// or removed while emitting take effect on the next Emit.
func (d *Dispatcher) Emit(name Name, payload any) {
	d.mu.Lock()
	subs := d.subs[name]
	d.seq++
	d.last[name] = emission{seq: d.seq, payload: payload}
	d.mu.Unlock()

	for _, s := range subs {
		s.handler(payload)
	}
}

// Count returns the number of handlers subscribed to name.
func (d *Dispatcher) Count(name Name) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[name])
}

// Last returns the payload of the latest emission of name and its sequence
// number. Sequence numbers grow with every Emit on the dispatcher; zero
// means name was never emitted.
func (d *Dispatcher) Last(name Name) (payload any, seq uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e := d.last[name]
	return e.payload, e.seq
}

// Since reports whether the latest emission of name is more recent than the
// latest emission of other. It is false when name was never emitted.
func (d *Dispatcher) Since(name, other Name) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last[name].seq > d.last[other].seq
}
