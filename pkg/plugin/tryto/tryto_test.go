package tryto_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sgaunet/stepretry/pkg/plugin/tryto"
	"github.com/sgaunet/stepretry/pkg/recorder"
	"github.com/sgaunet/stepretry/pkg/retry"
	"github.com/sgaunet/stepretry/pkg/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newRunner(t *testing.T) *runner.Runner {
	t.Helper()
	r := runner.New(runner.WithRecorderOptions(
		recorder.WithSleep(func(context.Context, time.Duration) error { return nil }),
	))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestTryTo_SwallowsFailure(t *testing.T) {
	r := newRunner(t)

	failed := tryto.TryTo(r, r.Recorder(), func(q recorder.Queue) {
		r.StepOn(q, "dismissPopup", func(context.Context) error { return errors.New("no popup") })
	})
	passed := tryto.TryTo(r, r.Recorder(), func(q recorder.Queue) {
		r.StepOn(q, "see", func(context.Context) error { return nil })
	})
	after := r.Step("click", func(context.Context) error { return nil })

	require.NoError(t, r.Recorder().Promise(context.Background()))

	ok, err := failed.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = passed.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, after.Err())
}

func TestTryTo_SkippedOnFailedQueue(t *testing.T) {
	r := newRunner(t)
	boom := errors.New("boom")

	r.Step("click", func(context.Context) error { return boom })
	o := tryto.TryTo(r, r.Recorder(), func(q recorder.Queue) {
		r.StepOn(q, "see", func(context.Context) error { return nil })
	})

	ok, err := o.Wait(context.Background())
	assert.False(t, ok)
	assert.Same(t, boom, err)
}

func TestPlugin_Registration(t *testing.T) {
	r := newRunner(t)
	require.NoError(t, r.Use(tryto.New()))
	assert.True(t, r.Active(tryto.Name))
	assert.True(t, r.Remove(tryto.Name))
	assert.False(t, r.Active(tryto.Name))
}

func TestTryTo_NoRetriesInside(t *testing.T) {
	r := newRunner(t)
	r.Recorder().Retries().Push(retry.Rule{MaxRetries: 3})

	calls := 0
	o := tryto.TryTo(r, r.Recorder(), func(q recorder.Queue) {
		r.StepOn(q, "click", func(context.Context) error {
			calls++
			return errors.New("not clickable")
		})
	})

	ok, err := o.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, r.Recorder().Retries().Len())
}
