// Package retryfailedstep provides the retryFailedStep plugin. It registers
// one retry rule per test that retries any failed step, except the steps
// matching an ignore pattern and everything while the tryTo plugin is
// registered.
package retryfailedstep

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sgaunet/stepretry/pkg/event"
	"github.com/sgaunet/stepretry/pkg/plugin/tryto"
	"github.com/sgaunet/stepretry/pkg/retry"
	"github.com/sgaunet/stepretry/pkg/runner"
	"github.com/sgaunet/stepretry/pkg/step"
)

const (
	// Name is the plugin name and the identifier of its retry rule.
	Name = "retryFailedStep"
	// EnvRetries is the environment variable exposing the retry budget.
	EnvRetries = "FAILED_STEP_RETRIES"

	defaultRetries = 3
	defaultFactor  = 1.5
)

// Option configures the plugin.
type Option func(*Plugin)

// WithRetries sets the number of retries of a failed step. Defaults to 3.
func WithRetries(n int) Option {
	return func(p *Plugin) { p.retries = max(n, 0) }
}

// WithMinTimeout sets the delay before the first retry. Defaults to 150ms.
func WithMinTimeout(d time.Duration) Option {
	return func(p *Plugin) { p.minTimeout = d }
}

// WithMaxTimeout caps the delay between retries. Defaults to 10s.
func WithMaxTimeout(d time.Duration) Option {
	return func(p *Plugin) { p.maxTimeout = d }
}

// WithFactor sets the growth of the delay between retries. Defaults to 1.5.
func WithFactor(f float64) Option {
	return func(p *Plugin) { p.factor = f }
}

// WithIgnoredSteps adds patterns to the default ignore list.
func WithIgnoredSteps(patterns ...IgnorePattern) Option {
	return func(p *Plugin) { p.ignored = append(p.ignored, patterns...) }
}

// WithWhen restricts retries to the failures m accepts.
func WithWhen(m retry.Matcher) Option {
	return func(p *Plugin) { p.when = m }
}

// Plugin retries failed steps. It is its own rule matcher, which lets it see
// every retry of the chain it governs.
type Plugin struct {
	retries    int
	minTimeout time.Duration
	maxTimeout time.Duration
	factor     float64
	ignored    []IgnorePattern
	when       retry.Matcher

	step step.Context

	mu          sync.Mutex
	host        *runner.Runner
	enabled     bool
	unsubscribe []func()
}

// New returns a retryFailedStep plugin.
func New(opts ...Option) *Plugin {
	p := &Plugin{
		retries:    defaultRetries,
		minTimeout: retry.DefaultMinTimeout,
		maxTimeout: retry.DefaultMaxTimeout,
		factor:     defaultFactor,
		ignored:    DefaultIgnoredSteps(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements runner.Plugin.
func (p *Plugin) Name() string { return Name }

// Retries returns the configured retry budget.
func (p *Plugin) Retries() int { return p.retries }

// Step returns the state of the step currently recorded.
func (p *Plugin) Step() step.Snapshot { return p.step.Snapshot() }

// Activate implements runner.Plugin. Activating again drops the previous
// subscriptions. While a test runs, the rule is installed right away and
// replaces any rule of the same identifier in place.
func (p *Plugin) Activate(r *runner.Runner) error {
	p.mu.Lock()
	p.dropSubscriptionsLocked()
	p.host = r
	p.mu.Unlock()

	enabled := p.step.Active() && p.retryable(r, p.step.Name())
	bus := r.Bus()
	subs := []func(){
		bus.On(event.TestBefore, p.onTestBefore),
		bus.On(event.StepStarted, p.onStepStarted),
		bus.On(event.StepPassed, p.onStepPassed),
		bus.On(event.StepFailed, p.onStepFailed),
		bus.On(event.StepFinished, p.onStepFinished),
	}

	p.mu.Lock()
	p.enabled = enabled
	p.unsubscribe = subs
	p.mu.Unlock()

	if t, running := currentTest(bus); running && !t.DisableRetryFailedStep {
		p.install(r)
	} else if r.Recorder().Retries().IndexOf(Name) >= 0 {
		r.Recorder().Retries().Push(p.rule())
	}
	r.Logger().Debug("plugin activated", "plugin", Name, "retries", p.retries, "minTimeout", p.minTimeout)
	return nil
}

// currentTest returns the test between its test.before and test.after
// events, if any.
func currentTest(bus *event.Dispatcher) (event.Test, bool) {
	if !bus.Since(event.TestBefore, event.TestAfter) {
		return event.Test{}, false
	}
	payload, _ := bus.Last(event.TestBefore)
	t, _ := testPayload(payload)
	return t, true
}

// Deactivate implements runner.Plugin.
func (p *Plugin) Deactivate(r *runner.Runner) {
	p.mu.Lock()
	p.dropSubscriptionsLocked()
	p.enabled = false
	p.host = nil
	p.mu.Unlock()

	r.Recorder().Retries().PopByIdentifier(Name)
	r.Logger().Debug("plugin deactivated", "plugin", Name)
}

func (p *Plugin) dropSubscriptionsLocked() {
	for _, off := range p.unsubscribe {
		off()
	}
	p.unsubscribe = nil
}

func (p *Plugin) rule() retry.Rule {
	return retry.Rule{
		MaxRetries: p.retries,
		When:       p,
		Identifier: Name,
		MinTimeout: p.minTimeout,
		MaxTimeout: p.maxTimeout,
		Factor:     p.factor,
	}
}

func (p *Plugin) current() *runner.Runner {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.host
}

func (p *Plugin) onTestBefore(payload any) {
	r := p.current()
	if r == nil {
		return
	}
	if t, ok := testPayload(payload); ok && t.DisableRetryFailedStep {
		r.Recorder().Retries().PopByIdentifier(Name)
		r.Logger().Debug("step retries disabled for test", "test", t.Title)
		return
	}

	p.install(r)
}

// install exports the retry budget and pushes the rule.
func (p *Plugin) install(r *runner.Runner) {
	if err := os.Setenv(EnvRetries, strconv.Itoa(p.retries)); err != nil {
		r.Logger().Warn("cannot export retry budget", "variable", EnvRetries, "error", err)
	}
	r.Recorder().Retries().Push(p.rule())
}

func (p *Plugin) retryable(r *runner.Runner, name string) bool {
	return !r.Active(tryto.Name) && !matchesAny(p.ignored, name)
}

func (p *Plugin) onStepStarted(payload any) {
	r := p.current()
	if r == nil {
		return
	}
	name := stepName(payload)
	p.step.OnStepStarted(name)

	enabled := p.retryable(r, name)
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
}

func (p *Plugin) onStepPassed(any) {
	p.step.OnStepPassed()
}

func (p *Plugin) onStepFailed(any) {
	p.step.OnStepFailed()
	p.step.OnGiveUp()
}

func (p *Plugin) onStepFinished(any) {
	p.step.OnStepFinished()
	p.mu.Lock()
	p.enabled = false
	r := p.host
	p.mu.Unlock()

	if r != nil {
		r.Recorder().ResetRetryState()
	}
}

// Match implements retry.Matcher. It accepts failures of the current step
// unless the step is ignored or tryTo is registered.
func (p *Plugin) Match(err error) bool {
	p.mu.Lock()
	enabled, r := p.enabled, p.host
	p.mu.Unlock()

	if !enabled || r == nil || r.Active(tryto.Name) {
		return false
	}
	if p.when != nil {
		return p.when.Match(err)
	}
	return true
}

// Retrying implements retry.Observer.
func (p *Plugin) Retrying(err error, attempt int) {
	p.step.OnStepFailed()
	p.step.OnRetry()
	if o, ok := p.when.(retry.Observer); ok {
		o.Retrying(err, attempt)
	}
	if r := p.current(); r != nil {
		r.Logger().Info("Retrying failed step", "step", p.step.Name(), "attempt", attempt, "error", err)
	}
}

// GaveUp implements retry.Observer.
func (p *Plugin) GaveUp(err error) {
	p.step.OnStepFailed()
	p.step.OnGiveUp()
	if o, ok := p.when.(retry.Observer); ok {
		o.GaveUp(err)
	}
	if r := p.current(); r != nil {
		r.Logger().Debug("step retries exhausted", "step", p.step.Name(), "retries", p.retries, "error", err)
	}
}

func testPayload(payload any) (event.Test, bool) {
	switch t := payload.(type) {
	case event.Test:
		return t, true
	case *event.Test:
		if t != nil {
			return *t, true
		}
	}
	return event.Test{}, false
}

func stepName(payload any) string {
	switch s := payload.(type) {
	case event.Step:
		return s.Name
	case *event.Step:
		if s != nil {
			return s.Name
		}
	}
	return ""
}
