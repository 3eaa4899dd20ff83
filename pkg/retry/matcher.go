package retry

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Matcher decides whether a rule applies to a failure.
type Matcher interface {
	Match(err error) bool
}

// Observer is implemented by matchers that want to follow the retry chain
// they govern. The recorder calls Retrying before a retried attempt is
// scheduled and GaveUp once the budget is exhausted.
type Observer interface {
	Retrying(err error, attempt int)
	GaveUp(err error)
}

// MatcherFunc adapts a plain function to the Matcher interface.
type MatcherFunc func(err error) bool

// Match calls f(err).
func (f MatcherFunc) Match(err error) bool {
	return f(err)
}

type alwaysMatcher struct{}

func (alwaysMatcher) Match(err error) bool {
	return err != nil
}

// Always returns a matcher accepting every error.
//
//nolint:ireturn // Returning interface is intentional for rule composition
func Always() Matcher {
	return alwaysMatcher{}
}

// MessageEquals matches errors whose message is exactly the given text.
type MessageEquals string

// Match compares err.Error() with the expected message.
func (m MessageEquals) Match(err error) bool {
	return err != nil && err.Error() == string(m)
}

// MessageContains matches errors whose message contains a pattern. The
// pattern is used as a regular expression when it compiles, otherwise as a
// plain substring.
type MessageContains struct {
	pattern string
	regex   *regexp.Regexp
}

// NewMessageContains creates a new MessageContains matcher.
func NewMessageContains(pattern string) *MessageContains {
	regex, _ := regexp.Compile(pattern) // invalid patterns fall back to substring matching
	return &MessageContains{
		pattern: pattern,
		regex:   regex,
	}
}

// Match reports whether the error message contains the pattern.
func (m *MessageContains) Match(err error) bool {
	if err == nil {
		return false
	}
	if m.regex != nil {
		return m.regex.MatchString(err.Error())
	}
	return strings.Contains(err.Error(), m.pattern)
}

// MessageRegex matches errors whose message matches a regular expression.
type MessageRegex struct {
	regex *regexp.Regexp
}

// NewMessageRegex compiles pattern into a MessageRegex matcher.
func NewMessageRegex(pattern string) (*MessageRegex, error) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	return &MessageRegex{regex: regex}, nil
}

// Match reports whether the regex matches the error message.
func (m *MessageRegex) Match(err error) bool {
	return err != nil && m.regex.MatchString(err.Error())
}

type errorIs []error

func (targets errorIs) Match(err error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ErrorIs matches errors wrapping any of the targets.
//
//nolint:ireturn // Returning interface is intentional for rule composition
func ErrorIs(targets ...error) Matcher {
	return errorIs(targets)
}

type errorAs[T error] struct{}

func (errorAs[T]) Match(err error) bool {
	var target T
	return errors.As(err, &target)
}

// ErrorAs matches errors whose chain contains an error of type T.
//
//nolint:ireturn // Returning interface is intentional for rule composition
func ErrorAs[T error]() Matcher {
	return errorAs[T]{}
}
