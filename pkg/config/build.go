package config

import (
	"fmt"

	"github.com/sgaunet/stepretry/pkg/action"
	"github.com/sgaunet/stepretry/pkg/logger"
	"github.com/sgaunet/stepretry/pkg/plugin/retryfailedstep"
	"github.com/sgaunet/stepretry/pkg/plugin/tryto"
	"github.com/sgaunet/stepretry/pkg/recorder"
	"github.com/sgaunet/stepretry/pkg/retry"
	"github.com/sgaunet/stepretry/pkg/runner"
)

// RunnerPlugins returns the plugins enabled by the suite, tryTo first.
func (c *Config) RunnerPlugins() ([]runner.Plugin, error) {
	var plugins []runner.Plugin
	if c.Plugins.TryTo.Enabled {
		plugins = append(plugins, tryto.New())
	}

	rfs := c.Plugins.RetryFailedStep
	if rfs.Enabled {
		ignored, err := retryfailedstep.ParseIgnorePatterns(rfs.IgnoredSteps)
		if err != nil {
			return nil, err
		}
		when, err := rfs.RetryOn.Matcher()
		if err != nil {
			return nil, err
		}
		opts := []retryfailedstep.Option{
			retryfailedstep.WithRetries(rfs.Retries),
			retryfailedstep.WithMinTimeout(Millis(rfs.MinTimeout)),
			retryfailedstep.WithMaxTimeout(Millis(rfs.MaxTimeout)),
			retryfailedstep.WithFactor(rfs.Factor),
			retryfailedstep.WithIgnoredSteps(ignored...),
		}
		if when != nil {
			opts = append(opts, retryfailedstep.WithWhen(when))
		}
		plugins = append(plugins, retryfailedstep.New(opts...))
	}
	return plugins, nil
}

// Matcher builds the matcher of the retried failures, nil when every
// failure is retried.
//
//nolint:ireturn // Matchers are strategies
func (r RetryOn) Matcher() (retry.Matcher, error) {
	if r.IsZero() {
		return nil, nil
	}
	var matchers []retry.Matcher
	if len(r.ExitCodes) > 0 {
		matchers = append(matchers, action.ExitCodes(r.ExitCodes...))
	}
	if r.MessageRegex != "" {
		m, err := retry.NewMessageRegex(r.MessageRegex)
		if err != nil {
			return nil, fmt.Errorf("%w: retryOn.messageRegex: %w", ErrInvalidPlugin, err)
		}
		matchers = append(matchers, m)
	}
	return retry.Any(matchers...), nil
}

// RunnerTests turns the suite tests into runner tests whose commands log
// their output to log.
func (c *Config) RunnerTests(log logger.Logger) []runner.Test {
	tests := make([]runner.Test, 0, len(c.Tests))
	for _, t := range c.Tests {
		steps := t.Steps
		tests = append(tests, runner.Test{
			Title:                  t.Title,
			DisableRetryFailedStep: t.DisableRetryFailedStep,
			Body: func(r *runner.Runner) {
				enqueue(r, r.Recorder(), steps, log.With("test", t.Title))
			},
		})
	}
	return tests
}

func enqueue(r *runner.Runner, q recorder.Queue, steps []Step, log logger.Logger) {
	for _, s := range steps {
		inner := func(q recorder.Queue) { enqueue(r, q, s.Steps, log) }
		switch s.Kind() {
		case KindRun:
			name := s.DisplayName()
			r.StepOn(q, name, action.Shell(s.Run, action.WithLogger(log.With("step", name))))
		case KindWithin:
			r.WithinOn(q, s.Within, inner)
		case KindSession:
			r.SessionOn(q, s.Session, inner)
		case KindRetry:
			r.RetryOn(q, retry.Rule{MaxRetries: s.Retry, MinTimeout: retry.DefaultMinTimeout}, inner)
		case KindTryTo:
			tryto.TryTo(r, q, func(q recorder.Queue) { enqueue(r, q, s.TryTo, log) })
		case KindInvalid:
			log.Warn("skipping invalid step", "step", s.DisplayName())
		}
	}
}
