package retry_test

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/sgaunet/stepretry/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutError struct{ op string }

func (e *timeoutError) Error() string { return e.op + ": timeout" }

func TestAlways(t *testing.T) {
	m := retry.Always()
	assert.True(t, m.Match(errors.New("boom")))
	assert.False(t, m.Match(nil), "nil is not a failure")
}

func TestMessageEquals(t *testing.T) {
	m := retry.MessageEquals("someerror")
	assert.True(t, m.Match(errors.New("someerror")))
	assert.False(t, m.Match(errors.New("othererror")))
	assert.False(t, m.Match(nil))
}

func TestMessageContains(t *testing.T) {
	t.Run("substring", func(t *testing.T) {
		m := retry.NewMessageContains("element not found")
		assert.True(t, m.Match(errors.New("click: element not found on page")))
		assert.False(t, m.Match(errors.New("click: detached")))
	})

	t.Run("regex when pattern compiles", func(t *testing.T) {
		m := retry.NewMessageContains("status [0-9]+")
		assert.True(t, m.Match(errors.New("got status 503")))
		assert.False(t, m.Match(errors.New("got status ABC")))
	})

	t.Run("invalid regex falls back to substring", func(t *testing.T) {
		m := retry.NewMessageContains("[unclosed")
		assert.True(t, m.Match(errors.New("selector [unclosed is invalid")))
	})
}

func TestMessageRegex(t *testing.T) {
	m, err := retry.NewMessageRegex(`^stale element`)
	require.NoError(t, err)
	assert.True(t, m.Match(errors.New("stale element reference")))
	assert.False(t, m.Match(errors.New("a stale element")))

	_, err = retry.NewMessageRegex("[invalid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid regex pattern")
}

func TestErrorIs(t *testing.T) {
	m := retry.ErrorIs(fs.ErrNotExist, fs.ErrPermission)
	assert.True(t, m.Match(fmt.Errorf("open: %w", fs.ErrPermission)))
	assert.False(t, m.Match(errors.New("open: denied")))
}

func TestErrorAs(t *testing.T) {
	m := retry.ErrorAs[*timeoutError]()
	assert.True(t, m.Match(fmt.Errorf("step: %w", &timeoutError{op: "click"})))
	assert.False(t, m.Match(errors.New("click: timeout")))
}

func TestMatcherFunc(t *testing.T) {
	calls := 0
	m := retry.MatcherFunc(func(err error) bool {
		calls++
		return err != nil
	})
	assert.True(t, m.Match(errors.New("x")))
	assert.Equal(t, 1, calls)
}

type recordingMatcher struct {
	retrying []int
	gaveUp   int
}

func (r *recordingMatcher) Match(err error) bool { return err != nil }
func (r *recordingMatcher) Retrying(_ error, n int) { r.retrying = append(r.retrying, n) }
func (r *recordingMatcher) GaveUp(_ error) { r.gaveUp++ }

func TestCompositeMatcher(t *testing.T) {
	boom := errors.New("boom")

	t.Run("AND requires every matcher", func(t *testing.T) {
		m := retry.All(retry.Always(), retry.MessageEquals("boom"))
		assert.True(t, m.Match(boom))
		assert.False(t, m.Match(errors.New("other")))
	})

	t.Run("OR accepts any matcher", func(t *testing.T) {
		m := retry.Any(retry.MessageEquals("a"), retry.MessageEquals("boom"))
		assert.True(t, m.Match(boom))
		assert.False(t, m.Match(errors.New("c")))
	})

	t.Run("empty composites", func(t *testing.T) {
		assert.True(t, retry.All().Match(boom))
		assert.False(t, retry.Any().Match(boom))
		assert.False(t, retry.All().Match(nil))
	})

	t.Run("forwards observer notifications", func(t *testing.T) {
		rec := &recordingMatcher{}
		m := retry.All(rec, retry.Always())
		m.Retrying(boom, 1)
		m.Retrying(boom, 2)
		m.GaveUp(boom)
		assert.Equal(t, []int{1, 2}, rec.retrying)
		assert.Equal(t, 1, rec.gaveUp)
		assert.Len(t, m.Matchers(), 2)
	})
}
