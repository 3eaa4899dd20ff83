package recorder

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sgaunet/stepretry/pkg/retry"
)

// TaskFunc is one unit of queued work.
type TaskFunc func(ctx context.Context) error

// TaskOption configures a queued task.
type TaskOption func(*task)

// Named sets the name used in logs and timeout errors.
func Named(name string) TaskOption {
	return func(t *task) { t.name = name }
}

// Retryable allows the recorder to retry the task according to its rules.
func Retryable() TaskOption {
	return func(t *task) { t.retryable = true }
}

// WithErrorHandler is called with the final error of the task. Returning nil
// recovers the failure; returning an error propagates it instead of the
// original one.
func WithErrorHandler(h func(error) error) TaskOption {
	return func(t *task) { t.onError = h }
}

// WithSuccessHandler is called once the task succeeded.
func WithSuccessHandler(h func()) TaskOption {
	return func(t *task) { t.onSuccess = h }
}

// WithTimeout bounds every attempt of the task.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *task) { t.timeout = d }
}

type chainState struct {
	active     bool
	handle     retry.Handle
	remaining  int
	generation uint64
}

type task struct {
	id        string
	name      string
	fn        TaskFunc
	retryable bool
	timeout   time.Duration
	onError   func(error) error
	onSuccess func()

	// recovery point queued by CatchWithoutStop
	isCatch bool
	catch   func(error)

	future   *Future
	epoch    uint64
	attempts int
	chain    chainState
}

func newTask(fn TaskFunc, opts []TaskOption) *task {
	t := &task{
		id:     uuid.NewString(),
		fn:     fn,
		future: newFuture(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.name == "" {
		t.name = "task " + t.id[:8]
	}
	return t
}
