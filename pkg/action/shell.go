// Package action provides the concrete automation actions run as steps.
package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/go-andiamo/splitter"
	"github.com/sgaunet/stepretry/pkg/logger"
	"github.com/sgaunet/stepretry/pkg/recorder"
)

var (
	// ErrEmptyCommand is returned for a command without any word.
	ErrEmptyCommand = errors.New("command is empty")
)

// ExitError reports a command that ran and exited with a non-zero code.
type ExitError struct {
	Command string
	Code    int
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ShellOption configures Shell.
type ShellOption func(*shell)

// WithLogger receives the command output, one record per line.
func WithLogger(l logger.Logger) ShellOption {
	return func(s *shell) { s.logger = l }
}

// WithDir sets the working directory of the command.
func WithDir(dir string) ShellOption {
	return func(s *shell) { s.dir = dir }
}

// WithEnv adds KEY=value pairs to the environment of the command.
func WithEnv(env ...string) ShellOption {
	return func(s *shell) { s.env = append(s.env, env...) }
}

type shell struct {
	command string
	logger  logger.Logger
	dir     string
	env     []string
}

// Shell returns a task running command. The command line is split on
// spaces, honouring single and double quotes; no shell is involved.
func Shell(command string, opts ...ShellOption) recorder.TaskFunc {
	s := &shell{command: command, logger: logger.NewNoLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s.run
}

// Split splits a command line the way Shell does.
func Split(command string) ([]string, error) {
	commandSplitter, err := splitter.NewSplitter(' ', splitter.SingleQuotes, splitter.DoubleQuotes)
	if err != nil {
		return nil, fmt.Errorf("create command splitter: %w", err)
	}
	split, err := commandSplitter.Split(command, splitter.Trim("'\""))
	if err != nil {
		return nil, fmt.Errorf("split command %q: %w", command, err)
	}
	parts := split[:0]
	for _, p := range split {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return nil, ErrEmptyCommand
	}
	return parts, nil
}

func (s *shell) run(ctx context.Context) error {
	args, err := Split(s.command)
	if err != nil {
		return err
	}

	c := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Commands come from the suite file
	c.Dir = s.dir
	if len(s.env) > 0 {
		c.Env = append(os.Environ(), s.env...)
	}

	log := s.logger.With("command", s.command)
	stdout := newLineWriter(func(line string) { log.Info(line, "stream", "stdout") })
	stderr := newLineWriter(func(line string) { log.Warn(line, "stream", "stderr") })
	c.Stdout = stdout
	c.Stderr = stderr

	err = c.Run()
	stdout.Flush()
	stderr.Flush()

	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("command %q: %w", s.command, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Command: s.command, Code: exitErr.ExitCode(), Err: err}
	}
	return fmt.Errorf("start command %q: %w", s.command, err)
}
