package retry

// LogicOperator defines how multiple matchers are combined.
type LogicOperator string

const (
	// LogicAND requires every matcher to accept the error.
	LogicAND LogicOperator = "AND"
	// LogicOR accepts the error when any matcher does (default).
	LogicOR LogicOperator = "OR"
)

// CompositeMatcher combines several matchers with AND/OR logic.
type CompositeMatcher struct {
	matchers []Matcher
	logic    LogicOperator
}

// NewCompositeMatcher creates a composite matcher with the specified logic.
func NewCompositeMatcher(logic LogicOperator, matchers ...Matcher) *CompositeMatcher {
	return &CompositeMatcher{
		matchers: matchers,
		logic:    logic,
	}
}

// All accepts an error only when every matcher accepts it.
func All(matchers ...Matcher) *CompositeMatcher {
	return NewCompositeMatcher(LogicAND, matchers...)
}

// Any accepts an error when at least one matcher accepts it.
func Any(matchers ...Matcher) *CompositeMatcher {
	return NewCompositeMatcher(LogicOR, matchers...)
}

// Match evaluates the sub-matchers according to the logic operator. An empty
// AND composite accepts every non-nil error, an empty OR composite none.
func (c *CompositeMatcher) Match(err error) bool {
	if err == nil {
		return false
	}

	if c.logic == LogicAND {
		for _, m := range c.matchers {
			if !m.Match(err) {
				return false
			}
		}
		return true
	}

	for _, m := range c.matchers {
		if m.Match(err) {
			return true
		}
	}
	return false
}

// Retrying forwards the notification to every observing sub-matcher.
func (c *CompositeMatcher) Retrying(err error, attempt int) {
	for _, m := range c.matchers {
		if o, ok := m.(Observer); ok {
			o.Retrying(err, attempt)
		}
	}
}

// GaveUp forwards the notification to every observing sub-matcher.
func (c *CompositeMatcher) GaveUp(err error) {
	for _, m := range c.matchers {
		if o, ok := m.(Observer); ok {
			o.GaveUp(err)
		}
	}
}

// Matchers returns the combined matchers.
func (c *CompositeMatcher) Matchers() []Matcher {
	return c.matchers
}
