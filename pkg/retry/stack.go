package retry

import (
	"sync"

	"github.com/google/uuid"
)

// Handle identifies one pushed rule for the lifetime of the stack entry. It
// survives in-place replacement of an identified rule.
type Handle string

type entry struct {
	handle Handle
	rule   Rule
}

// Stack is an ordered collection of retry rules. Rules are evaluated most
// recently pushed first; pushing or removing a rule never reorders the
// others. A Stack is safe for concurrent use.
type Stack struct {
	mu      sync.RWMutex
	entries []entry
}

// NewStack returns an empty stack.
func NewStack() *Stack {
	return &Stack{}
}

// Push adds rule to the stack and returns its handle. A rule whose
// Identifier is already present replaces that rule in place and keeps its
// handle.
func (s *Stack) Push(rule Rule) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.Identifier != "" {
		for i := range s.entries {
			if s.entries[i].rule.Identifier == rule.Identifier {
				s.entries[i].rule = rule
				return s.entries[i].handle
			}
		}
	}

	h := Handle(uuid.NewString())
	s.entries = append(s.entries, entry{handle: h, rule: rule})
	return h
}

// PopByIdentifier removes the rule registered under id.
func (s *Stack) PopByIdentifier(id string) bool {
	if id == "" {
		return false
	}
	return s.removeWhere(func(e entry) bool { return e.rule.Identifier == id })
}

// PopAnonymous removes the most recently pushed rule without identifier.
func (s *Stack) PopAnonymous() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].rule.Identifier == "" {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Remove removes the rule pushed under h.
func (s *Stack) Remove(h Handle) bool {
	return s.removeWhere(func(e entry) bool { return e.handle == h })
}

func (s *Stack) removeWhere(pred func(entry) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if pred(s.entries[i]) {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops every rule.
func (s *Stack) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}

// Match returns the first rule, most recent first, that applies to err.
func (s *Stack) Match(err error) (Rule, Handle, bool) {
	if err == nil {
		return Rule{}, "", false
	}

	// Matchers may take their own locks, so evaluate on a snapshot.
	s.mu.RLock()
	snapshot := make([]entry, len(s.entries))
	copy(snapshot, s.entries)
	s.mu.RUnlock()

	for i := len(snapshot) - 1; i >= 0; i-- {
		if snapshot[i].rule.Applies(err) {
			return snapshot[i].rule, snapshot[i].handle, true
		}
	}
	return Rule{}, "", false
}

// IndexOf returns the push-order position of the rule registered under id,
// or -1.
func (s *Stack) IndexOf(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, e := range s.entries {
		if id != "" && e.rule.Identifier == id {
			return i
		}
	}
	return -1
}

// Len returns the number of rules on the stack.
func (s *Stack) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Rules returns a copy of the rules in push order.
func (s *Stack) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]Rule, len(s.entries))
	for i, e := range s.entries {
		rules[i] = e.rule
	}
	return rules
}
