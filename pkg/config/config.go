// Package config loads a test suite and its plugin settings from a YAML
// file and STEPRETRY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables overriding the suite file.
const EnvPrefix = "STEPRETRY"

// Keys shared with command line flags.
const (
	KeyLogLevel     = "log-level"
	KeyStepTimeout  = "step-timeout"
	KeyRetryEnabled = "plugins.retryFailedStep.enabled"
	KeyRetries      = "plugins.retryFailedStep.retries"
	KeyMinTimeout   = "plugins.retryFailedStep.minTimeout"
	KeyMaxTimeout   = "plugins.retryFailedStep.maxTimeout"
	KeyFactor       = "plugins.retryFailedStep.factor"
	KeyIgnoredSteps = "plugins.retryFailedStep.ignoredSteps"
	KeyTryToEnabled = "plugins.tryTo.enabled"
)

const (
	defaultLogLevel     = "info"
	defaultRetries      = 3
	defaultMinTimeoutMs = 150
	defaultMaxTimeoutMs = 10000
	defaultFactor       = 1.5
)

var (
	// ErrNoTests is returned for a suite without tests.
	ErrNoTests = errors.New("suite has no tests")
	// ErrInvalidStep is returned for a step that is neither a command nor a group.
	ErrInvalidStep = errors.New("invalid step")
	// ErrInvalidPlugin is returned for out of range plugin settings.
	ErrInvalidPlugin = errors.New("invalid plugin configuration")
)

// Config is a loaded suite.
type Config struct {
	LogLevel    string  `mapstructure:"log-level"`
	StepTimeout int     `mapstructure:"step-timeout"` // milliseconds, 0 disables
	Plugins     Plugins `mapstructure:"plugins"`
	Tests       []Test  `mapstructure:"tests"`
}

// Plugins holds the settings of every plugin.
type Plugins struct {
	RetryFailedStep RetryFailedStep `mapstructure:"retryFailedStep"`
	TryTo           TryTo           `mapstructure:"tryTo"`
}

// RetryFailedStep configures the retryFailedStep plugin. Timeouts are in
// milliseconds.
type RetryFailedStep struct {
	Enabled      bool     `mapstructure:"enabled"`
	Retries      int      `mapstructure:"retries"`
	MinTimeout   int      `mapstructure:"minTimeout"`
	MaxTimeout   int      `mapstructure:"maxTimeout"`
	Factor       float64  `mapstructure:"factor"`
	IgnoredSteps []string `mapstructure:"ignoredSteps"`
	RetryOn      RetryOn  `mapstructure:"retryOn"`
}

// RetryOn restricts step retries to some failures. A failure is retried when
// it matches any of the settings; without settings every failure is.
type RetryOn struct {
	// ExitCodes lists the exit codes of retried commands.
	ExitCodes []int `mapstructure:"exitCodes"`
	// MessageRegex matches the message of retried failures.
	MessageRegex string `mapstructure:"messageRegex"`
}

// IsZero reports whether no setting restricts retries.
func (r RetryOn) IsZero() bool {
	return len(r.ExitCodes) == 0 && r.MessageRegex == ""
}

// TryTo configures the tryTo plugin.
type TryTo struct {
	Enabled bool `mapstructure:"enabled"`
}

// Test is one test of the suite.
type Test struct {
	Title                  string `mapstructure:"title"`
	DisableRetryFailedStep bool   `mapstructure:"disableRetryFailedStep"`
	Steps                  []Step `mapstructure:"steps"`
}

// Step is either a command (Name and Run) or a group of Steps: Within,
// Session, Retry or TryTo.
type Step struct {
	Name    string `mapstructure:"name"`
	Run     string `mapstructure:"run"`
	Within  string `mapstructure:"within"`
	Session string `mapstructure:"session"`
	// Retry is the retry budget of the group, taking precedence over the
	// retryFailedStep plugin.
	Retry int    `mapstructure:"retry"`
	TryTo []Step `mapstructure:"tryTo"`
	Steps []Step `mapstructure:"steps"`
}

// Kind of step.
type Kind int

const (
	KindInvalid Kind = iota
	KindRun
	KindWithin
	KindSession
	KindRetry
	KindTryTo
)

// Kind classifies the step.
func (s Step) Kind() Kind {
	switch {
	case s.Run != "" && s.Within == "" && s.Session == "" && s.Retry == 0 && len(s.TryTo) == 0 && len(s.Steps) == 0:
		return KindRun
	case s.Run != "" || len(s.Steps) == 0 && len(s.TryTo) == 0:
		return KindInvalid
	case len(s.TryTo) > 0:
		if s.Within != "" || s.Session != "" || s.Retry != 0 || len(s.Steps) > 0 {
			return KindInvalid
		}
		return KindTryTo
	case s.Within != "" && s.Session == "" && s.Retry == 0:
		return KindWithin
	case s.Session != "" && s.Within == "" && s.Retry == 0:
		return KindSession
	case s.Retry > 0 && s.Within == "" && s.Session == "":
		return KindRetry
	default:
		return KindInvalid
	}
}

// DisplayName returns the name used in logs and events.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Run
}

// SetDefaults registers the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyLogLevel, defaultLogLevel)
	v.SetDefault(KeyStepTimeout, 0)
	v.SetDefault(KeyRetryEnabled, true)
	v.SetDefault(KeyRetries, defaultRetries)
	v.SetDefault(KeyMinTimeout, defaultMinTimeoutMs)
	v.SetDefault(KeyMaxTimeout, defaultMaxTimeoutMs)
	v.SetDefault(KeyFactor, defaultFactor)
	v.SetDefault(KeyIgnoredSteps, []string{})
	v.SetDefault(KeyTryToEnabled, false)
}

// Load reads the suite at path into v, which may already carry bound
// flags. A nil v uses a fresh viper instance.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read suite %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode suite %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks plugin settings and the shape of every step.
func (c *Config) Validate() error {
	rfs := c.Plugins.RetryFailedStep
	switch {
	case rfs.Retries < 0:
		return fmt.Errorf("%w: retries must be >= 0, got %d", ErrInvalidPlugin, rfs.Retries)
	case rfs.MinTimeout < 0:
		return fmt.Errorf("%w: minTimeout must be >= 0, got %d", ErrInvalidPlugin, rfs.MinTimeout)
	case rfs.MaxTimeout < 0:
		return fmt.Errorf("%w: maxTimeout must be >= 0, got %d", ErrInvalidPlugin, rfs.MaxTimeout)
	case c.StepTimeout < 0:
		return fmt.Errorf("%w: step-timeout must be >= 0, got %d", ErrInvalidPlugin, c.StepTimeout)
	}
	if _, err := rfs.RetryOn.Matcher(); err != nil {
		return err
	}

	if len(c.Tests) == 0 {
		return ErrNoTests
	}
	for i, t := range c.Tests {
		if err := validateSteps(t.Steps, fmt.Sprintf("tests[%d]", i)); err != nil {
			return err
		}
	}
	return nil
}

func validateSteps(steps []Step, path string) error {
	for i, s := range steps {
		at := fmt.Sprintf("%s.steps[%d]", path, i)
		switch s.Kind() {
		case KindInvalid:
			return fmt.Errorf("%w at %s: set either run, or steps with one of within/session/retry, or tryTo", ErrInvalidStep, at)
		case KindTryTo:
			if err := validateSteps(s.TryTo, at+".tryTo"); err != nil {
				return err
			}
		case KindWithin, KindSession, KindRetry:
			if err := validateSteps(s.Steps, at); err != nil {
				return err
			}
		case KindRun:
		}
	}
	return nil
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
