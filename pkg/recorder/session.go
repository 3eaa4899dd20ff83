package recorder

import (
	"context"
	"sync"
)

// session is the nested queue built by AddSession. Its tasks run inside the
// session task, on the recorder worker.
type session struct {
	r    *Recorder
	name string

	mu     sync.Mutex
	queue  []*task
	closed bool
	err    error
}

func (s *session) Add(fn TaskFunc, opts ...TaskOption) *Future {
	t := newTask(fn, opts)

	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = ErrSessionClosed
		}
		t.future.resolve(err, 0)
		return t.future
	}
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	return t.future
}

func (s *session) AddSession(name string, build func(q Queue), opts ...TaskOption) *Future {
	return s.Add(s.r.sessionFunc(name, build), append([]TaskOption{Named(name)}, opts...)...)
}

func (s *session) pop() *task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil
	}
	t := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return t
}

func (s *session) pushFront(t *task) {
	s.mu.Lock()
	s.queue = append([]*task{t}, s.queue...)
	s.mu.Unlock()
}

// end closes the session; tasks still queued settle with err.
func (s *session) end(err error) {
	s.mu.Lock()
	s.closed = true
	s.err = err
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, t := range pending {
		t.future.resolve(err, 0)
	}
}

func (r *Recorder) sessionFunc(name string, build func(q Queue)) TaskFunc {
	return func(ctx context.Context) error {
		s := &session{r: r, name: name}
		r.logger.Debug("session started", "session", name)
		build(s)

		for {
			t := s.pop()
			if t == nil {
				s.end(nil)
				r.logger.Debug("session finished", "session", name)
				return nil
			}

			again, err := r.attempt(ctx, t)
			if again {
				s.pushFront(t)
				continue
			}
			if err = r.finish(t, err); err != nil {
				s.end(err)
				r.logger.Debug("session failed", "session", name, "error", err)
				return err
			}
		}
	}
}
