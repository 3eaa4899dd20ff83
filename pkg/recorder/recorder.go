// Package recorder implements the sequential task queue that executes test
// steps one at a time and retries failed ones according to a retry.Stack.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sgaunet/stepretry/pkg/logger"
	"github.com/sgaunet/stepretry/pkg/retry"
)

// Queue accepts tasks. It is implemented by the Recorder and by the
// sub-queue handed to a session.
type Queue interface {
	Add(fn TaskFunc, opts ...TaskOption) *Future
	AddSession(name string, build func(q Queue), opts ...TaskOption) *Future
}

// RetryInfo describes a retry about to be scheduled.
type RetryInfo struct {
	Task    string
	Attempt int // number of the upcoming attempt
	Delay   time.Duration
	Err     error
	Rule    retry.Rule
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger. Defaults to a silent logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithRetries makes the recorder consult stack. Defaults to a fresh stack.
func WithRetries(stack *retry.Stack) Option {
	return func(r *Recorder) { r.retries = stack }
}

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Recorder) { r.sleep = sleep }
}

// WithRetryHook is called before every retry, from the worker goroutine.
func WithRetryHook(hook func(RetryInfo)) Option {
	return func(r *Recorder) { r.onRetry = hook }
}

// Recorder executes queued tasks strictly one after another on a single
// worker goroutine. A task failure that no handler recovers puts the
// recorder in a failed state: the tasks queued behind it are skipped until a
// CatchWithoutStop recovery point is reached.
type Recorder struct {
	logger  logger.Logger
	retries *retry.Stack
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(RetryInfo)

	ctx    context.Context //nolint:containedctx // Lifetime of the worker goroutine
	cancel context.CancelFunc
	wake   chan struct{}
	exited chan struct{}

	mu         sync.Mutex
	queue      []*task
	failure    error
	running    bool
	closed     bool
	idle       chan struct{}
	idleClosed bool
	epoch      uint64
	generation uint64
}

// New creates a recorder and starts its worker. Call Close to stop it.
func New(opts ...Option) *Recorder {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		logger:     logger.NewNoLogger(),
		sleep:      sleepContext,
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		exited:     make(chan struct{}),
		idle:       make(chan struct{}),
		idleClosed: true,
	}
	close(r.idle)
	for _, opt := range opts {
		opt(r)
	}
	if r.retries == nil {
		r.retries = retry.NewStack()
	}
	go r.loop()
	return r
}

// Retries returns the stack consulted on failures.
func (r *Recorder) Retries() *retry.Stack {
	return r.retries
}

// Add appends a task and returns a future settling once the task, retries
// included, succeeded or failed for good.
func (r *Recorder) Add(fn TaskFunc, opts ...TaskOption) *Future {
	t := newTask(fn, opts)
	r.enqueue(t)
	return t.future
}

// AddSession queues a single task running a nested queue. build receives the
// nested queue; its tasks run in order once the session task is reached,
// with the same retry handling as top-level tasks. The first failure ends
// the session and becomes the session task's error.
func (r *Recorder) AddSession(name string, build func(q Queue), opts ...TaskOption) *Future {
	return r.Add(r.sessionFunc(name, build), append([]TaskOption{Named(name)}, opts...)...)
}

// CatchWithoutStop queues a recovery point. When the worker reaches it while
// the recorder is failed, handler receives the failure and the following
// tasks run normally. handler may be nil.
func (r *Recorder) CatchWithoutStop(handler func(error)) *Future {
	t := newTask(nil, []TaskOption{Named("catch without stop")})
	t.isCatch = true
	t.catch = handler
	r.enqueue(t)
	return t.future
}

// Promise waits until every queued task has completed and returns the
// failure the recorder is left in, if any.
func (r *Recorder) Promise(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.Failure()
}

// Failure returns the error the recorder is failed with, nil otherwise.
func (r *Recorder) Failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// ResetRetryState drops retry chain bookkeeping, so the next failure of any
// task starts with the full budget of its rule.
func (r *Recorder) ResetRetryState() {
	r.mu.Lock()
	r.generation++
	r.mu.Unlock()
}

// Start begins a fresh run: pending tasks settle with ErrDiscarded, the
// failure and retry state are cleared. A task already running completes but
// no longer affects the recorder state.
func (r *Recorder) Start() {
	r.mu.Lock()
	pending := r.queue
	r.queue = nil
	r.failure = nil
	r.epoch++
	r.generation++
	if !r.running {
		r.setIdleLocked()
	}
	r.mu.Unlock()

	for _, t := range pending {
		t.future.resolve(ErrDiscarded, t.attempts)
	}
}

// Close stops the worker after the running task returns. Pending and later
// tasks settle with ErrClosed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	<-r.exited

	r.mu.Lock()
	pending := r.queue
	r.queue = nil
	r.running = false
	r.setIdleLocked()
	r.mu.Unlock()

	for _, t := range pending {
		t.future.resolve(ErrClosed, t.attempts)
	}
	return nil
}

func (r *Recorder) enqueue(t *task) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.future.resolve(ErrClosed, 0)
		return
	}
	t.epoch = r.epoch
	r.queue = append(r.queue, t)
	r.setBusyLocked()
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// pushFront puts a task being retried ahead of everything already queued.
func (r *Recorder) pushFront(t *task) {
	r.mu.Lock()
	if r.closed || t.epoch != r.epoch {
		err := ErrDiscarded
		if r.closed {
			err = ErrClosed
		}
		r.mu.Unlock()
		t.future.resolve(err, t.attempts)
		return
	}
	r.queue = append([]*task{t}, r.queue...)
	r.mu.Unlock()
}

func (r *Recorder) setBusyLocked() {
	if r.idleClosed {
		r.idle = make(chan struct{})
		r.idleClosed = false
	}
}

func (r *Recorder) setIdleLocked() {
	if !r.idleClosed {
		close(r.idle)
		r.idleClosed = true
	}
}

func (r *Recorder) loop() {
	defer close(r.exited)
	for {
		t := r.next()
		if t == nil {
			select {
			case <-r.wake:
				continue
			case <-r.ctx.Done():
				return
			}
		}
		r.process(t)
	}
}

func (r *Recorder) next() *task {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx.Err() != nil || len(r.queue) == 0 {
		r.running = false
		r.setIdleLocked()
		return nil
	}
	t := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	r.running = true
	return t
}

func (r *Recorder) process(t *task) {
	if t.isCatch {
		r.recoverFailure(t)
		return
	}

	if err := r.skipReason(t); err != nil {
		t.future.resolve(err, 0)
		return
	}

	again, err := r.attempt(r.ctx, t)
	if again {
		r.pushFront(t)
		return
	}
	if err = r.finish(t, err); err != nil {
		r.fail(t, err)
	}
}

func (r *Recorder) skipReason(t *task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.epoch != r.epoch {
		return ErrDiscarded
	}
	return r.failure
}

func (r *Recorder) fail(t *task, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t.epoch == r.epoch && r.failure == nil {
		r.failure = err
		r.logger.Debug("recorder failed", "task", t.name, "error", err)
	}
}

func (r *Recorder) recoverFailure(t *task) {
	r.mu.Lock()
	err := r.failure
	if t.epoch == r.epoch {
		r.failure = nil
	}
	r.mu.Unlock()

	if err != nil && t.catch != nil {
		t.catch(err)
	}
	t.future.resolve(nil, 0)
}

// attempt runs t once. When it fails and a rule still allows it, attempt
// waits the rule's backoff and reports that t must run again.
func (r *Recorder) attempt(ctx context.Context, t *task) (bool, error) {
	t.attempts++
	if t.attempts > 1 {
		r.logger.Info("Retrying...", "task", t.name, "attempt", t.attempts)
	}

	err := call(ctx, t)
	if err == nil || !t.retryable || ctx.Err() != nil {
		return false, err
	}

	rule, handle, ok := r.retries.Match(err)
	if !ok {
		r.logger.Debug("no retry rule applies", "task", t.name, "error", err)
		return false, err
	}

	r.mu.Lock()
	if !t.chain.active || t.chain.handle != handle || t.chain.generation != r.generation {
		t.chain = chainState{
			active:     true,
			handle:     handle,
			remaining:  rule.MaxRetries,
			generation: r.generation,
		}
	}
	if t.chain.remaining <= 0 {
		r.mu.Unlock()
		rule.NotifyGaveUp(err)
		r.logger.Debug("retries exhausted", "task", t.name, "attempts", t.attempts, "error", err)
		return false, err
	}
	t.chain.remaining--
	retryNumber := rule.MaxRetries - t.chain.remaining
	r.mu.Unlock()

	delay := rule.Delay(retryNumber)
	rule.NotifyRetrying(err, t.attempts+1)
	if r.onRetry != nil {
		r.onRetry(RetryInfo{Task: t.name, Attempt: t.attempts + 1, Delay: delay, Err: err, Rule: rule})
	}
	if r.sleep(ctx, delay) != nil {
		return false, err
	}
	return true, err
}

func (r *Recorder) finish(t *task, err error) error {
	if err == nil {
		if t.onSuccess != nil {
			t.onSuccess()
		}
	} else if t.onError != nil {
		err = t.onError(err)
	}
	t.future.resolve(err, t.attempts)
	return err
}

// call runs one attempt on the worker goroutine. The timeout only cancels the
// attempt's context, so a task ignoring it still finishes before the next
// attempt starts. An attempt outliving its deadline fails with ErrTimeout.
func call(ctx context.Context, t *task) error {
	if t.timeout <= 0 {
		return safeCall(ctx, t)
	}

	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err := safeCall(tctx, t)
	if ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrTimeout, t.name, t.timeout)
	}
	return err
}

func safeCall(ctx context.Context, t *task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s: %v", ErrPanic, t.name, p)
		}
	}()
	return t.fn(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
