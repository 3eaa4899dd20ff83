// Package logger provides the logging interface shared by the recorder,
// the plugins and the CLI. It supports four levels (Debug, Info, Warn, Error)
// backed by slog, a colored console handler, file output, or silence.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const (
	// logFilePermissions defines the file permissions for log files (rw-r--r--).
	logFilePermissions = 0644
)

var (
	// ErrEmptyFilepath is returned when an empty filepath is provided to NewFileLogger.
	ErrEmptyFilepath = errors.New("filepath cannot be empty")
)

// Logger defines the logging interface. Implementations must support four
// log levels with variadic arguments for structured key-value pairs.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs
	Error(msg string, args ...any)
	// With returns a logger that adds args to every record
	With(args ...any) Logger
}

type slogLogger struct {
	logger *slog.Logger
}

func (l *slogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *slogLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *slogLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *slogLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

//nolint:ireturn // Returning interface is intentional for dependency injection
func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: l.logger.With(args...)}
}

// noLogger discards all log messages.
type noLogger struct{}

//nolint:revive // Parameters required by Logger interface
func (n *noLogger) Debug(msg string, args ...any) {}

//nolint:revive // Parameters required by Logger interface
func (n *noLogger) Info(msg string, args ...any) {}

//nolint:revive // Parameters required by Logger interface
func (n *noLogger) Warn(msg string, args ...any) {}

//nolint:revive // Parameters required by Logger interface
func (n *noLogger) Error(msg string, args ...any) {}

//nolint:ireturn,revive // Returning interface is intentional for dependency injection
func (n *noLogger) With(args ...any) Logger { return n }

// ParseLevel converts a string log level to slog.Level.
// Valid levels are: debug, info, warn, error (case-insensitive).
// Invalid levels default to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a console logger writing to stdout. Colors are enabled
// only when stdout is a terminal.
//
//nolint:ireturn // Returning interface is intentional for dependency injection
func NewLogger(logLevel string) Logger {
	return NewConsoleLogger(os.Stdout, ParseLevel(logLevel), !isatty.IsTerminal(os.Stdout.Fd()))
}

// NewConsoleLogger creates a tint-formatted logger writing to w.
//
//nolint:ireturn // Returning interface is intentional for dependency injection
func NewConsoleLogger(w io.Writer, level slog.Level, noColor bool) Logger {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		NoColor:    noColor,
		TimeFormat: time.Kitchen,
	})
	return &slogLogger{logger: slog.New(handler)}
}

// NewSlogLogger wraps an existing slog.Logger.
//
//nolint:ireturn // Returning interface is intentional for dependency injection
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		return NewNoLogger()
	}
	return &slogLogger{logger: l}
}

// NewNoLogger creates a silent logger that discards all log messages.
//
//nolint:ireturn // Returning interface is intentional for dependency injection
func NewNoLogger() Logger {
	return &noLogger{}
}

// NewFileLogger creates a logger that writes plain text records to the
// specified file path. The file is created/truncated with permissions 0644.
//
// Returns an error if:
//   - filepath is empty (ErrEmptyFilepath)
//   - file cannot be created or opened
//
//nolint:ireturn // Returning interface is intentional for dependency injection
func NewFileLogger(logLevel string, filepath string) (Logger, io.Closer, error) {
	if filepath == "" {
		return nil, nil, ErrEmptyFilepath
	}

	//nolint:gosec // G304: File path is intentionally from user input for log file creation
	file, err := os.OpenFile(filepath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, logFilePermissions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	handler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: ParseLevel(logLevel),
	})
	return &slogLogger{logger: slog.New(handler)}, file, nil
}
