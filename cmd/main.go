// Package main implements stepretry, a command line tool running a suite of
// shell steps and retrying the failed ones.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sgaunet/stepretry/pkg/config"
	"github.com/sgaunet/stepretry/pkg/console"
	"github.com/sgaunet/stepretry/pkg/logger"
	"github.com/sgaunet/stepretry/pkg/runner"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	version = "dev"

	// ErrSuiteFailed is returned when at least one test failed.
	ErrSuiteFailed = errors.New("suite failed")
	// ErrSuiteRequired is returned when no suite file is given.
	ErrSuiteRequired = errors.New("suite file is required as a positional argument")
)

var (
	logFile string
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "stepretry",
	Short: "Run test steps and retry the failed ones",
	Long: `stepretry runs the tests of a suite file. Each step is a command; a failed
step is retried according to the retryFailedStep plugin before the test fails.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run [flags] suite.yaml",
	Short: "Run a suite",
	Example: `  # Run a suite with its own settings
  stepretry run suite.yaml

  # Override the retry budget
  stepretry run --retries 5 --min-timeout 500 suite.yaml

  # Using environment variables
  export STEPRETRY_PLUGINS_RETRYFAILEDSTEP_RETRIES=1
  stepretry run suite.yaml`,
	Args: func(_ *cobra.Command, args []string) error {
		if len(args) != 1 {
			return ErrSuiteRequired
		}
		return nil
	},
	RunE: runSuite,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version)
	},
}

var v = viper.New()

func init() {
	rootCmd.AddCommand(runCmd, versionCmd)

	flags := runCmd.Flags()
	flags.Int("retries", 3, "retries of a failed step")
	flags.Int("min-timeout", 150, "delay before the first retry, in milliseconds")
	flags.Int("max-timeout", 10000, "maximum delay between retries, in milliseconds")
	flags.Float64("factor", 1.5, "growth of the delay between retries")
	flags.StringSlice("ignore", nil, "steps never retried besides the defaults, replacing the suite list (glob, or /regexp/)")
	flags.Bool("no-retry", false, "disable the retryFailedStep plugin")
	flags.Bool("try-to", false, "enable the tryTo plugin, which disables step retries")
	flags.Int("step-timeout", 0, "timeout of every step attempt, in milliseconds (0 for none)")
	flags.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&logFile, "log-file", "", "write logs to this file instead of the console")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")

	_ = v.BindPFlag(config.KeyRetries, flags.Lookup("retries"))
	_ = v.BindPFlag(config.KeyMinTimeout, flags.Lookup("min-timeout"))
	_ = v.BindPFlag(config.KeyMaxTimeout, flags.Lookup("max-timeout"))
	_ = v.BindPFlag(config.KeyFactor, flags.Lookup("factor"))
	_ = v.BindPFlag(config.KeyIgnoredSteps, flags.Lookup("ignore"))
	_ = v.BindPFlag(config.KeyTryToEnabled, flags.Lookup("try-to"))
	_ = v.BindPFlag(config.KeyStepTimeout, flags.Lookup("step-timeout"))
	_ = v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))
}

func runSuite(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v, args[0])
	if err != nil {
		return fmt.Errorf("load suite: %w", err)
	}
	if noRetry, _ := cmd.Flags().GetBool("no-retry"); noRetry {
		cfg.Plugins.RetryFailedStep.Enabled = false
	}

	log, closer, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	r := runner.New(
		runner.WithLogger(log),
		runner.WithStepTimeout(config.Millis(cfg.StepTimeout)),
	)
	defer func() { _ = r.Close() }()

	plugins, err := cfg.RunnerPlugins()
	if err != nil {
		return fmt.Errorf("configure plugins: %w", err)
	}
	for _, p := range plugins {
		if err := r.Use(p); err != nil {
			return fmt.Errorf("configure plugins: %w", err)
		}
	}

	printer := console.NewPrinter(cmd.OutOrStdout(), noColor)
	detach := printer.Attach(r.Bus())
	defer detach()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary := r.RunSuite(ctx, cfg.RunnerTests(log))
	printer.Summary()

	if ctx.Err() != nil {
		return fmt.Errorf("suite interrupted: %w", ctx.Err())
	}
	if !summary.OK() {
		return fmt.Errorf("%w: %d of %d tests failed", ErrSuiteFailed, summary.Failed, summary.Failed+summary.Passed)
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger logs to the console, or to --log-file when set.
//
//nolint:ireturn // Returning interface is intentional for dependency injection
func newLogger(level string) (logger.Logger, io.Closer, error) {
	if logFile == "" {
		if noColor {
			return logger.NewConsoleLogger(os.Stdout, logger.ParseLevel(level), true), nopCloser{}, nil
		}
		return logger.NewLogger(level), nopCloser{}, nil
	}
	log, closer, err := logger.NewFileLogger(level, logFile)
	if err != nil {
		return nil, nil, fmt.Errorf("create log file: %w", err)
	}
	return log, closer, nil
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, ErrSuiteRequired) {
			fmt.Fprintln(os.Stderr, "")
			_ = runCmd.Usage()
		}
		os.Exit(1)
	}
}
