// Package scope provides the grouping constructs that run a sequence of
// steps as one unit of the task recorder.
package scope

import (
	"context"

	"github.com/sgaunet/stepretry/pkg/recorder"
	"github.com/sgaunet/stepretry/pkg/retry"
)

// Kind names a grouping construct.
type Kind string

const (
	KindWithin  Kind = "within"
	KindSession Kind = "session"
	KindRetry   Kind = "retry"
)

// Hooks are notified when a scope opens and closes. Begin runs as the first
// task of the scope; an error from it fails the scope. End receives the
// outcome of the scope.
type Hooks interface {
	Begin(ctx context.Context, kind Kind, label string) error
	End(kind Kind, label string, err error)
}

// Within runs body's tasks in a nested queue bound to label, typically a
// locator the steps act upon. A failure inside surfaces unchanged as the
// error of the returned future and fails q. hooks may be nil.
func Within(q recorder.Queue, label string, hooks Hooks, body func(q recorder.Queue)) *recorder.Future {
	return open(q, KindWithin, label, hooks, nil, body)
}

// Session runs body's tasks in a nested queue bound to the named session.
func Session(q recorder.Queue, label string, hooks Hooks, body func(q recorder.Queue)) *recorder.Future {
	return open(q, KindSession, label, hooks, nil, body)
}

// Retry runs body's tasks with rule pushed on stack. The rule is anonymous
// for the duration of the scope and removed by its handle when the scope
// ends, whatever the outcome.
func Retry(q recorder.Queue, stack *retry.Stack, rule retry.Rule, body func(q recorder.Queue)) *recorder.Future {
	rule.Identifier = ""
	return open(q, KindRetry, "", nil, &scopedRule{stack: stack, rule: rule}, body)
}

type scopedRule struct {
	stack  *retry.Stack
	rule   retry.Rule
	handle retry.Handle
}

func (s *scopedRule) push(context.Context) error {
	s.handle = s.stack.Push(s.rule)
	return nil
}

func (s *scopedRule) pop() {
	if s.handle != "" {
		s.stack.Remove(s.handle)
		s.handle = ""
	}
}

func open(q recorder.Queue, kind Kind, label string, hooks Hooks, sr *scopedRule, body func(q recorder.Queue)) *recorder.Future {
	name := string(kind)
	if label != "" {
		name += " " + label
	}

	end := func(err error) {
		if sr != nil {
			sr.pop()
		}
		if hooks != nil {
			hooks.End(kind, label, err)
		}
	}

	build := func(inner recorder.Queue) {
		if sr != nil {
			inner.Add(sr.push, recorder.Named(name+": push rule"))
		}
		if hooks != nil {
			inner.Add(func(ctx context.Context) error {
				return hooks.Begin(ctx, kind, label)
			}, recorder.Named(name+": begin"))
		}
		body(inner)
	}

	return q.AddSession(name, build,
		recorder.WithSuccessHandler(func() { end(nil) }),
		recorder.WithErrorHandler(func(err error) error {
			end(err)
			return err
		}),
	)
}
