package recorder_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sgaunet/stepretry/pkg/recorder"
	"github.com/sgaunet/stepretry/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newRecorder(t *testing.T, opts ...recorder.Option) *recorder.Recorder {
	t.Helper()
	rec := recorder.New(append([]recorder.Option{recorder.WithSleep(noSleep)}, opts...)...)
	t.Cleanup(func() { _ = rec.Close() })
	return rec
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func failing(counter *int, failures int, err error) recorder.TaskFunc {
	return func(context.Context) error {
		*counter++
		if failures < 0 || *counter <= failures {
			return err
		}
		return nil
	}
}

func TestRecorder_RunsTasksOneAtATimeInOrder(t *testing.T) {
	rec := newRecorder(t)
	ctx := waitCtx(t)

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 10; i++ {
		rec.Add(func(context.Context) error {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			defer running.Add(-1)
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}

	require.NoError(t, rec.Promise(ctx))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	assert.False(t, overlap.Load(), "two tasks ran concurrently")
}

func TestRecorder_RetriesUntilSuccess(t *testing.T) {
	rec := newRecorder(t)
	ctx := waitCtx(t)
	rec.Retries().Push(retry.Rule{MaxRetries: 2, MinTimeout: time.Millisecond})

	counter := 0
	f := rec.Add(failing(&counter, 2, errors.New("flaky")), recorder.Retryable())

	require.NoError(t, f.Wait(ctx))
	require.NoError(t, rec.Promise(ctx))
	assert.Equal(t, 3, counter)
	assert.Equal(t, 3, f.Attempts())
}

func TestRecorder_AttemptsAreBoundedByMaxRetries(t *testing.T) {
	for n := 0; n <= 4; n++ {
		t.Run(fmt.Sprintf("max retries %d", n), func(t *testing.T) {
			rec := newRecorder(t)
			ctx := waitCtx(t)
			rec.Retries().Push(retry.Rule{MaxRetries: n})

			boom := errors.New("boom")
			counter := 0
			f := rec.Add(failing(&counter, -1, boom), recorder.Retryable())

			err := f.Wait(ctx)
			assert.Same(t, boom, err, "last error is surfaced unchanged")
			assert.Equal(t, n+1, counter)
			assert.Same(t, boom, rec.Promise(ctx))
		})
	}
}

func TestRecorder_NoRetryWithoutRetryableOrRule(t *testing.T) {
	t.Run("task not retryable", func(t *testing.T) {
		rec := newRecorder(t)
		rec.Retries().Push(retry.Rule{MaxRetries: 3})
		counter := 0
		err := rec.Add(failing(&counter, -1, errors.New("x"))).Wait(waitCtx(t))
		require.Error(t, err)
		assert.Equal(t, 1, counter)
	})

	t.Run("no rule matches", func(t *testing.T) {
		rec := newRecorder(t)
		rec.Retries().Push(retry.Rule{MaxRetries: 3, When: retry.MessageEquals("other")})
		counter := 0
		err := rec.Add(failing(&counter, -1, errors.New("x")), recorder.Retryable()).Wait(waitCtx(t))
		require.Error(t, err)
		assert.Equal(t, 1, counter)
	})

	t.Run("empty stack", func(t *testing.T) {
		rec := newRecorder(t)
		counter := 0
		err := rec.Add(failing(&counter, -1, errors.New("x")), recorder.Retryable()).Wait(waitCtx(t))
		require.Error(t, err)
		assert.Equal(t, 1, counter)
	})
}

func TestRecorder_MostRecentMatchingRuleGovernsBudget(t *testing.T) {
	rec := newRecorder(t)
	rec.Retries().Push(retry.Rule{MaxRetries: 1, Identifier: "outer"})
	rec.Retries().Push(retry.Rule{MaxRetries: 3, When: retry.MessageEquals("flaky")})

	counter := 0
	err := rec.Add(failing(&counter, -1, errors.New("flaky")), recorder.Retryable()).Wait(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, 4, counter)

	counter = 0
	rec.Start()
	err = rec.Add(failing(&counter, -1, errors.New("other")), recorder.Retryable()).Wait(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, 2, counter)
}

func TestRecorder_RetriedTaskRunsBeforeLaterTasks(t *testing.T) {
	rec := newRecorder(t)
	ctx := waitCtx(t)
	rec.Retries().Push(retry.Rule{MaxRetries: 2})

	var order []string
	calls := 0
	rec.Add(func(context.Context) error {
		calls++
		order = append(order, fmt.Sprintf("a%d", calls))
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, recorder.Retryable())
	rec.Add(func(context.Context) error {
		order = append(order, "b")
		return nil
	})

	require.NoError(t, rec.Promise(ctx))
	assert.Equal(t, []string{"a1", "a2", "a3", "b"}, order)
}

func TestRecorder_FailureSkipsQueueUntilCatchWithoutStop(t *testing.T) {
	rec := newRecorder(t)
	ctx := waitCtx(t)

	boom := errors.New("boom")
	ranB, ranC := false, false
	fa := rec.Add(func(context.Context) error { return boom })
	fb := rec.Add(func(context.Context) error { ranB = true; return nil })

	var caught error
	fcatch := rec.CatchWithoutStop(func(err error) { caught = err })
	fc := rec.Add(func(context.Context) error { ranC = true; return nil })

	assert.Same(t, boom, fa.Wait(ctx))
	assert.Same(t, boom, fb.Wait(ctx), "skipped tasks settle with the failure")
	assert.Equal(t, 0, fb.Attempts())
	require.NoError(t, fcatch.Wait(ctx))
	require.NoError(t, fc.Wait(ctx))
	require.NoError(t, rec.Promise(ctx))

	assert.False(t, ranB)
	assert.True(t, ranC)
	assert.Same(t, boom, caught)
}

func TestRecorder_CatchWithoutStopOnHealthyQueue(t *testing.T) {
	rec := newRecorder(t)
	ctx := waitCtx(t)
	called := false
	require.NoError(t, rec.CatchWithoutStop(func(error) { called = true }).Wait(ctx))
	require.NoError(t, rec.CatchWithoutStop(nil).Wait(ctx))
	assert.False(t, called)
}

func TestRecorder_ErrorAndSuccessHandlers(t *testing.T) {
	rec := newRecorder(t)
	ctx := waitCtx(t)

	boom := errors.New("boom")
	var handled error
	f := rec.Add(func(context.Context) error { return boom },
		recorder.WithErrorHandler(func(err error) error {
			handled = err
			return nil
		}),
	)
	succeeded := false
	g := rec.Add(func(context.Context) error { return nil },
		recorder.WithSuccessHandler(func() { succeeded = true }),
	)

	wrapped := rec.Add(func(context.Context) error { return boom },
		recorder.WithErrorHandler(func(err error) error { return fmt.Errorf("click: %w", err) }),
	)

	require.NoError(t, f.Wait(ctx))
	require.NoError(t, g.Wait(ctx))
	err := wrapped.Wait(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "click: boom", err.Error())
	assert.Same(t, boom, handled)
	assert.True(t, succeeded)
	assert.Equal(t, err, rec.Promise(ctx))
}

func TestRecorder_ResetRetryStateRefreshesBudget(t *testing.T) {
	var rec *recorder.Recorder
	resets := 0
	rec = newRecorder(t, recorder.WithRetryHook(func(recorder.RetryInfo) {
		if resets == 0 {
			resets++
			rec.ResetRetryState()
		}
	}))
	rec.Retries().Push(retry.Rule{MaxRetries: 1})

	counter := 0
	err := rec.Add(failing(&counter, -1, errors.New("x")), recorder.Retryable()).Wait(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, 3, counter)
}

func TestRecorder_ChainOfRetriesKeepsOrder(t *testing.T) {
	rec := newRecorder(t)
	ctx := waitCtx(t)
	rec.Retries().Push(retry.Rule{MaxRetries: 2, When: retry.MessageEquals("someerror"), Identifier: "test"})
	rec.Retries().Push(retry.Rule{MaxRetries: 2, When: retry.MessageEquals("othererror")})

	initial := -1
	rec.Add(func(context.Context) error {
		initial = rec.Retries().IndexOf("test")
		return nil
	}, recorder.Retryable())
	rec.Add(func(context.Context) error {
		if got := rec.Retries().IndexOf("test"); got != initial {
			return fmt.Errorf("rule moved from %d to %d", initial, got)
		}
		return nil
	}, recorder.Retryable())

	require.NoError(t, rec.Promise(ctx))
	assert.Equal(t, 0, initial)
}

func TestRecorder_BackoffDelays(t *testing.T) {
	var delays []time.Duration
	var infos []recorder.RetryInfo
	rec := newRecorder(t,
		recorder.WithSleep(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
		recorder.WithRetryHook(func(info recorder.RetryInfo) { infos = append(infos, info) }),
	)
	rec.Retries().Push(retry.Rule{MaxRetries: 3, MinTimeout: 10 * time.Millisecond, Factor: 2})

	counter := 0
	err := rec.Add(failing(&counter, -1, errors.New("x")), recorder.Retryable(), recorder.Named("click")).Wait(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, delays)
	require.Len(t, infos, 3)
	assert.Equal(t, "click", infos[0].Task)
	assert.Equal(t, 2, infos[0].Attempt)
	assert.Equal(t, 4, infos[2].Attempt)
}

func TestRecorder_RealBackoffWaitsMinTimeout(t *testing.T) {
	rec := recorder.New()
	defer rec.Close()
	rec.Retries().Push(retry.Rule{MaxRetries: 1, MinTimeout: 20 * time.Millisecond})

	counter := 0
	start := time.Now()
	err := rec.Add(failing(&counter, 1, errors.New("x")), recorder.Retryable()).Wait(waitCtx(t))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

type chainObserver struct {
	retrying []int
	gaveUp   []error
}

func (o *chainObserver) Match(err error) bool { return err != nil }
func (o *chainObserver) Retrying(_ error, n int) { o.retrying = append(o.retrying, n) }
func (o *chainObserver) GaveUp(err error) { o.gaveUp = append(o.gaveUp, err) }

func TestRecorder_NotifiesObservingMatcher(t *testing.T) {
	rec := newRecorder(t)
	obs := &chainObserver{}
	rec.Retries().Push(retry.Rule{MaxRetries: 2, When: obs})

	boom := errors.New("boom")
	counter := 0
	_ = rec.Add(failing(&counter, -1, boom), recorder.Retryable()).Wait(waitCtx(t))

	assert.Equal(t, []int{2, 3}, obs.retrying)
	assert.Equal(t, []error{boom}, obs.gaveUp)
}

func TestRecorder_TimeoutAndPanic(t *testing.T) {
	rec := newRecorder(t)
	ctx := waitCtx(t)

	slow := rec.Add(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, recorder.Named("waitForever"), recorder.WithTimeout(20*time.Millisecond))
	err := slow.Wait(ctx)
	require.ErrorIs(t, err, recorder.ErrTimeout)
	assert.Contains(t, err.Error(), "waitForever")

	rec.CatchWithoutStop(nil)
	panicking := rec.Add(func(context.Context) error { panic("kaboom") })
	err = panicking.Wait(ctx)
	require.ErrorIs(t, err, recorder.ErrPanic)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestRecorder_TimedOutAttemptsNeverOverlap(t *testing.T) {
	rec := newRecorder(t)
	ctx := waitCtx(t)
	rec.Retries().Push(retry.Rule{MaxRetries: 2, MinTimeout: time.Millisecond})

	var running, peak, calls atomic.Int32
	stubborn := rec.Add(func(context.Context) error {
		calls.Add(1)
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		return nil
	}, recorder.Named("stubborn"), recorder.Retryable(), recorder.WithTimeout(5*time.Millisecond))
	next := rec.Add(func(context.Context) error {
		if running.Load() != 0 {
			return errors.New("previous attempt still running")
		}
		return nil
	})

	err := stubborn.Wait(ctx)
	require.ErrorIs(t, err, recorder.ErrTimeout)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 3, stubborn.Attempts())

	require.ErrorIs(t, next.Wait(ctx), recorder.ErrTimeout)
	assert.Equal(t, int32(0), running.Load())
}

func TestRecorder_SessionRunsNestedTasksWithRetries(t *testing.T) {
	rec := newRecorder(t)
	ctx := waitCtx(t)
	rec.Retries().Push(retry.Rule{MaxRetries: 1})

	var order []string
	boom := errors.New("inner failure")
	counter := 0
	var inner, after *recorder.Future

	rec.Add(func(context.Context) error { order = append(order, "before"); return nil })
	sess := rec.AddSession("within foo", func(q recorder.Queue) {
		q.Add(func(context.Context) error { order = append(order, "first"); return nil })
		inner = q.Add(func(context.Context) error {
			counter++
			order = append(order, "failing")
			return boom
		}, recorder.Retryable())
		after = q.Add(func(context.Context) error { order = append(order, "never"); return nil })
	})
	skipped := rec.Add(func(context.Context) error { order = append(order, "outer after"); return nil })

	assert.Same(t, boom, sess.Wait(ctx))
	assert.Same(t, boom, inner.Wait(ctx))
	assert.Same(t, boom, after.Wait(ctx))
	assert.Same(t, boom, skipped.Wait(ctx))
	assert.Same(t, boom, rec.Promise(ctx))
	assert.Equal(t, 2, counter)
	assert.Equal(t, []string{"before", "first", "failing", "failing"}, order)

	var caught error
	require.NoError(t, rec.CatchWithoutStop(func(err error) { caught = err }).Wait(ctx))
	assert.Same(t, boom, caught)

	ran := false
	require.NoError(t, rec.Add(func(context.Context) error { ran = true; return nil }).Wait(ctx))
	assert.True(t, ran, "queue keeps working after recovery")
}

func TestRecorder_NestedSessions(t *testing.T) {
	rec := newRecorder(t)
	ctx := waitCtx(t)

	var order []string
	var late *recorder.Future
	var captured recorder.Queue
	rec.AddSession("outer", func(q recorder.Queue) {
		captured = q
		q.Add(func(context.Context) error { order = append(order, "outer-1"); return nil })
		q.AddSession("inner", func(q recorder.Queue) {
			q.Add(func(context.Context) error { order = append(order, "inner-1"); return nil })
		})
		q.Add(func(context.Context) error { order = append(order, "outer-2"); return nil })
	})

	require.NoError(t, rec.Promise(ctx))
	assert.Equal(t, []string{"outer-1", "inner-1", "outer-2"}, order)

	late = captured.Add(func(context.Context) error { return nil })
	assert.ErrorIs(t, late.Wait(ctx), recorder.ErrSessionClosed)
}

func TestRecorder_StartDiscardsPending(t *testing.T) {
	rec := newRecorder(t)
	ctx := waitCtx(t)

	release := make(chan struct{})
	started := make(chan struct{})
	first := rec.Add(func(context.Context) error {
		close(started)
		<-release
		return errors.New("stale failure")
	})
	second := rec.Add(func(context.Context) error { return nil })

	<-started
	rec.Start()
	assert.ErrorIs(t, second.Wait(ctx), recorder.ErrDiscarded)
	close(release)

	require.Error(t, first.Wait(ctx))
	require.NoError(t, rec.Promise(ctx), "a task from the previous run does not fail the new one")
}

func TestRecorder_Close(t *testing.T) {
	rec := recorder.New()
	ctx := waitCtx(t)

	release := make(chan struct{})
	started := make(chan struct{})
	running := rec.Add(func(ctx context.Context) error {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ctx.Err()
	})
	pending := rec.Add(func(context.Context) error { return nil })

	<-started
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	assert.ErrorIs(t, running.Wait(ctx), context.Canceled)
	assert.ErrorIs(t, pending.Wait(ctx), recorder.ErrClosed)
	assert.ErrorIs(t, rec.Add(func(context.Context) error { return nil }).Wait(ctx), recorder.ErrClosed)
	close(release)
}

func TestRecorder_PromiseHonoursContext(t *testing.T) {
	rec := newRecorder(t)
	release := make(chan struct{})
	rec.Add(func(context.Context) error { <-release; return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rec.Promise(ctx), context.DeadlineExceeded)
	close(release)
	require.NoError(t, rec.Promise(waitCtx(t)))
}
