package recorder

import (
	"context"
	"sync"
)

// Future settles once a queued task succeeded, failed for good, or was
// dropped by the recorder.
type Future struct {
	once     sync.Once
	done     chan struct{}
	err      error
	attempts int
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(err error, attempts int) {
	f.once.Do(func() {
		f.err = err
		f.attempts = attempts
		close(f.done)
	})
}

// Done is closed when the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return f.err
	}
}

// Err returns the settled error, nil while pending.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Attempts returns how many times the task ran, 0 while pending or when the
// task was skipped.
func (f *Future) Attempts() int {
	select {
	case <-f.done:
		return f.attempts
	default:
		return 0
	}
}
