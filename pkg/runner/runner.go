// Package runner owns the state of one test run: the task recorder, its
// retry stack, the event bus and the registered plugins. Every component
// receives the Runner explicitly instead of reaching for globals.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sgaunet/stepretry/pkg/event"
	"github.com/sgaunet/stepretry/pkg/logger"
	"github.com/sgaunet/stepretry/pkg/recorder"
	"github.com/sgaunet/stepretry/pkg/retry"
	"github.com/sgaunet/stepretry/pkg/scope"
)

var (
	// ErrPluginName is returned by Use for a plugin without a name.
	ErrPluginName = errors.New("plugin name is required")
	// ErrNoTestBody is returned by RunTest for a test without a body.
	ErrNoTestBody = errors.New("test has no body")
)

// Plugin extends the runner, usually by subscribing to the event bus and
// registering retry rules.
type Plugin interface {
	Name() string
	// Activate is called when the plugin is registered with Use.
	Activate(r *Runner) error
	// Deactivate is called when the plugin is removed or replaced, and on Close.
	Deactivate(r *Runner)
}

// Test is one test case: Body enqueues its steps.
type Test struct {
	Title                  string
	DisableRetryFailedStep bool
	Body                   func(r *Runner)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger shared with the recorder and the plugins.
func WithLogger(l logger.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithScopeHooks sets the hooks notified by Within and Session.
func WithScopeHooks(h scope.Hooks) Option {
	return func(r *Runner) { r.hooks = h }
}

// WithStepTimeout bounds every attempt of every step.
func WithStepTimeout(d time.Duration) Option {
	return func(r *Runner) { r.stepTimeout = d }
}

// WithRecorderOptions passes extra options to the recorder.
func WithRecorderOptions(opts ...recorder.Option) Option {
	return func(r *Runner) { r.recorderOpts = append(r.recorderOpts, opts...) }
}

// Runner is the lifetime-scoped context of a test run.
type Runner struct {
	logger       logger.Logger
	bus          *event.Dispatcher
	rec          *recorder.Recorder
	hooks        scope.Hooks
	stepTimeout  time.Duration
	recorderOpts []recorder.Option

	mu      sync.RWMutex
	plugins map[string]Plugin
	order   []string
}

// New creates a runner with a fresh recorder, retry stack and bus.
func New(opts ...Option) *Runner {
	r := &Runner{
		logger:  logger.NewNoLogger(),
		bus:     event.NewDispatcher(),
		plugins: make(map[string]Plugin),
	}
	for _, opt := range opts {
		opt(r)
	}

	recOpts := []recorder.Option{
		recorder.WithLogger(r.logger),
		recorder.WithRetries(retry.NewStack()),
		recorder.WithRetryHook(r.onRetry),
	}
	r.rec = recorder.New(append(recOpts, r.recorderOpts...)...)
	return r
}

// Recorder returns the task recorder of the run.
func (r *Runner) Recorder() *recorder.Recorder { return r.rec }

// Bus returns the lifecycle event bus of the run.
func (r *Runner) Bus() *event.Dispatcher { return r.bus }

// Logger returns the run logger.
func (r *Runner) Logger() logger.Logger { return r.logger }

// Use registers p and activates it. A plugin registered under the same name
// is deactivated and replaced.
func (r *Runner) Use(p Plugin) error {
	name := p.Name()
	if name == "" {
		return ErrPluginName
	}

	r.mu.Lock()
	old, replaced := r.plugins[name]
	r.plugins[name] = p
	if !replaced {
		r.order = append(r.order, name)
	}
	r.mu.Unlock()

	if replaced && old != p {
		old.Deactivate(r)
	}
	if err := p.Activate(r); err != nil {
		r.forget(name)
		return fmt.Errorf("activate plugin %s: %w", name, err)
	}
	r.logger.Debug("plugin registered", "plugin", name)
	return nil
}

// Remove deactivates and unregisters the plugin registered under name.
func (r *Runner) Remove(name string) bool {
	p, ok := r.forget(name)
	if ok {
		p.Deactivate(r)
	}
	return ok
}

func (r *Runner) forget(name string) (Plugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.plugins[name]
	if !ok {
		return nil, false
	}
	delete(r.plugins, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return p, true
}

// Active reports whether a plugin is registered under name.
func (r *Runner) Active(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[name]
	return ok
}

// Plugin returns the plugin registered under name.
//
//nolint:ireturn // Plugins are heterogeneous
func (r *Runner) Plugin(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Step enqueues the step name on the recorder. See StepOn.
func (r *Runner) Step(name string, fn recorder.TaskFunc) *recorder.Future {
	return r.StepOn(r.rec, name, fn)
}

// StepOn enqueues the step name on q. When the step is reached, step.started
// is emitted, then fn runs as a retryable task; its final outcome emits
// step.passed or step.failed, followed by step.finished.
func (r *Runner) StepOn(q recorder.Queue, name string, fn recorder.TaskFunc) *recorder.Future {
	q.Add(func(context.Context) error {
		r.bus.Emit(event.StepStarted, event.Step{Name: name, Attempt: 1})
		return nil
	}, recorder.Named(name+": started"))

	opts := []recorder.TaskOption{
		recorder.Named(name),
		recorder.Retryable(),
		recorder.WithSuccessHandler(func() {
			r.bus.Emit(event.StepPassed, event.Step{Name: name})
			r.bus.Emit(event.StepFinished, event.Step{Name: name})
		}),
		recorder.WithErrorHandler(func(err error) error {
			r.bus.Emit(event.StepFailed, event.Step{Name: name, Err: err})
			r.bus.Emit(event.StepFinished, event.Step{Name: name, Err: err})
			return err
		}),
	}
	if r.stepTimeout > 0 {
		opts = append(opts, recorder.WithTimeout(r.stepTimeout))
	}
	return q.Add(fn, opts...)
}

// Within groups the steps enqueued by body under label.
func (r *Runner) Within(label string, body func(q recorder.Queue)) *recorder.Future {
	return r.WithinOn(r.rec, label, body)
}

// WithinOn is Within on the queue q, which may itself be a scope.
func (r *Runner) WithinOn(q recorder.Queue, label string, body func(q recorder.Queue)) *recorder.Future {
	return scope.Within(q, label, r.hooks, body)
}

// Session groups the steps enqueued by body in the named session.
func (r *Runner) Session(label string, body func(q recorder.Queue)) *recorder.Future {
	return r.SessionOn(r.rec, label, body)
}

// SessionOn is Session on the queue q.
func (r *Runner) SessionOn(q recorder.Queue, label string, body func(q recorder.Queue)) *recorder.Future {
	return scope.Session(q, label, r.hooks, body)
}

// Retry runs the steps enqueued by body with rule taking precedence over
// every rule already registered.
func (r *Runner) Retry(rule retry.Rule, body func(q recorder.Queue)) *recorder.Future {
	return r.RetryOn(r.rec, rule, body)
}

// RetryOn is Retry on the queue q.
func (r *Runner) RetryOn(q recorder.Queue, rule retry.Rule, body func(q recorder.Queue)) *recorder.Future {
	return scope.Retry(q, r.rec.Retries(), rule, body)
}

func (r *Runner) onRetry(info recorder.RetryInfo) {
	r.logger.Debug("step retry scheduled",
		"step", info.Task, "attempt", info.Attempt, "delay", info.Delay, "error", info.Err)
	r.bus.Emit(event.StepRetried, event.Step{Name: info.Task, Attempt: info.Attempt, Err: info.Err})
}

// RunTest resets the recorder, emits test.before, lets the body enqueue its
// steps and waits for them. The test outcome is emitted as test.passed or
// test.failed, followed by test.after.
func (r *Runner) RunTest(ctx context.Context, t Test) error {
	if t.Body == nil {
		return fmt.Errorf("%w: %s", ErrNoTestBody, t.Title)
	}

	r.rec.Start()
	r.logger.Debug("test started", "test", t.Title)
	r.bus.Emit(event.TestBefore, event.Test{Title: t.Title, DisableRetryFailedStep: t.DisableRetryFailedStep})

	t.Body(r)
	err := r.rec.Promise(ctx)

	result := event.Test{Title: t.Title, DisableRetryFailedStep: t.DisableRetryFailedStep, Err: err}
	if err != nil {
		r.bus.Emit(event.TestFailed, result)
	} else {
		r.bus.Emit(event.TestPassed, result)
	}
	r.bus.Emit(event.TestAfter, result)
	return err
}

// TestError pairs a failed test with its error.
type TestError struct {
	Title string
	Err   error
}

// Summary is the outcome of RunSuite.
type Summary struct {
	Passed   int
	Failed   int
	Failures []TestError
}

// OK reports whether every test passed.
func (s Summary) OK() bool { return s.Failed == 0 }

// RunSuite runs tests in order. It stops early only when ctx is done.
func (r *Runner) RunSuite(ctx context.Context, tests []Test) Summary {
	var sum Summary
	for _, t := range tests {
		if ctx.Err() != nil {
			break
		}
		if err := r.RunTest(ctx, t); err != nil {
			sum.Failed++
			sum.Failures = append(sum.Failures, TestError{Title: t.Title, Err: err})
			r.logger.Debug("test failed", "test", t.Title, "error", err)
			continue
		}
		sum.Passed++
	}
	return sum
}

// Close deactivates the plugins in reverse registration order and stops the
// recorder.
func (r *Runner) Close() error {
	r.mu.Lock()
	plugins := make([]Plugin, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		plugins = append(plugins, r.plugins[r.order[i]])
	}
	r.plugins = make(map[string]Plugin)
	r.order = nil
	r.mu.Unlock()

	for _, p := range plugins {
		p.Deactivate(r)
	}
	if err := r.rec.Close(); err != nil {
		return fmt.Errorf("close recorder: %w", err)
	}
	return nil
}
