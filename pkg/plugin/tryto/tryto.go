// Package tryto provides the tryTo plugin. TryTo runs a group of steps and
// reports whether they succeeded instead of failing the test. While the
// plugin is registered, automatic step retries are off.
package tryto

import (
	"context"
	"sync/atomic"

	"github.com/sgaunet/stepretry/pkg/recorder"
	"github.com/sgaunet/stepretry/pkg/retry"
	"github.com/sgaunet/stepretry/pkg/runner"
	"github.com/sgaunet/stepretry/pkg/scope"
)

// Name is the name the plugin registers under.
const Name = "tryTo"

// Plugin marks tryTo as active on a runner.
type Plugin struct{}

// New returns the tryTo plugin.
func New() *Plugin { return &Plugin{} }

// Name implements runner.Plugin.
func (*Plugin) Name() string { return Name }

// Activate implements runner.Plugin.
func (*Plugin) Activate(r *runner.Runner) error {
	r.Logger().Debug("plugin activated", "plugin", Name)
	return nil
}

// Deactivate implements runner.Plugin.
func (*Plugin) Deactivate(r *runner.Runner) {
	r.Logger().Debug("plugin deactivated", "plugin", Name)
}

// Outcome is the pending result of TryTo.
type Outcome struct {
	future *recorder.Future
	ok     atomic.Bool
}

// Wait blocks until the attempt completed. It reports false with a nil
// error when the steps failed. An error means the attempt never ran to
// completion: the queue was already failed, closed or restarted, or ctx
// is done.
func (o *Outcome) Wait(ctx context.Context) (bool, error) {
	if err := o.future.Wait(ctx); err != nil {
		return false, err //nolint:wrapcheck // Recorder errors are returned as is
	}
	return o.ok.Load(), nil
}

// TryTo enqueues body's steps on q as one group. Steps inside are never
// retried. A failure inside the group is logged and swallowed; the steps
// queued after it still run.
func TryTo(r *runner.Runner, q recorder.Queue, body func(q recorder.Queue)) *Outcome {
	stack := r.Recorder().Retries()
	o := &Outcome{}
	o.future = q.AddSession(Name, func(inner recorder.Queue) {
		scope.Retry(inner, stack, retry.Rule{}, body)
	},
		recorder.WithSuccessHandler(func() { o.ok.Store(true) }),
		recorder.WithErrorHandler(func(err error) error {
			r.Logger().Info("tryTo failed, continuing", "error", err)
			return nil
		}),
	)
	return o
}
