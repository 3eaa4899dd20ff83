package retryfailedstep

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// ErrEmptyPattern is returned by ParseIgnorePattern for an empty pattern.
var ErrEmptyPattern = errors.New("ignore pattern cannot be empty")

// IgnorePattern exempts the steps whose name it matches from retries.
// *regexp.Regexp satisfies it.
type IgnorePattern interface {
	MatchString(name string) bool
	String() string
}

type globPattern struct {
	raw string
	g   glob.Glob
}

func (p globPattern) MatchString(name string) bool { return p.g.Match(name) }
func (p globPattern) String() string              { return p.raw }

// Glob compiles a glob such as "wait*".
//
//nolint:ireturn // Patterns are glob or regexp
func Glob(pattern string) (IgnorePattern, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile glob %q: %w", pattern, err)
	}
	return globPattern{raw: pattern, g: g}, nil
}

// MustGlob is like Glob but panics on an invalid pattern.
//
//nolint:ireturn // Patterns are glob or regexp
func MustGlob(pattern string) IgnorePattern {
	p, err := Glob(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// ParseIgnorePattern reads a pattern from configuration: "/expr/" is a
// regular expression, anything else a glob.
//
//nolint:ireturn // Patterns are glob or regexp
func ParseIgnorePattern(s string) (IgnorePattern, error) {
	if s == "" {
		return nil, ErrEmptyPattern
	}
	if len(s) > 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		re, err := regexp.Compile(s[1 : len(s)-1])
		if err != nil {
			return nil, fmt.Errorf("compile regexp %q: %w", s, err)
		}
		return re, nil
	}
	return Glob(s)
}

// ParseIgnorePatterns parses every pattern of list.
func ParseIgnorePatterns(list []string) ([]IgnorePattern, error) {
	patterns := make([]IgnorePattern, 0, len(list))
	for _, s := range list {
		p, err := ParseIgnorePattern(s)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

// DefaultIgnoredSteps returns the patterns of steps that are unsafe to
// repeat blindly, such as navigation and waits.
func DefaultIgnoredSteps() []IgnorePattern {
	return []IgnorePattern{
		MustGlob("amOnPage"),
		MustGlob("wait*"),
		MustGlob("send*"),
		MustGlob("execute*"),
		MustGlob("run*"),
		MustGlob("have*"),
	}
}

func matchesAny(patterns []IgnorePattern, name string) bool {
	for _, p := range patterns {
		if p.MatchString(name) {
			return true
		}
	}
	return false
}
