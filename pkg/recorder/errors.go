package recorder

import "errors"

var (
	// ErrClosed settles tasks added to, or still pending in, a closed recorder.
	ErrClosed = errors.New("recorder closed")
	// ErrDiscarded settles tasks dropped by Start.
	ErrDiscarded = errors.New("task discarded by recorder restart")
	// ErrSessionClosed settles tasks added to a session that already ended.
	ErrSessionClosed = errors.New("session already finished")
	// ErrTimeout is returned when an attempt exceeds its task timeout.
	ErrTimeout = errors.New("task timed out")
	// ErrPanic is returned when a task panics.
	ErrPanic = errors.New("task panicked")
)
