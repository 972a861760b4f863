// Package rule loads and serves plain-English security rules.
//
// Rules are written by the user in rules.yaml. A rule's trigger describes
// when it comes into force (either "always" or a condition over the
// session history); its effect describes which operations it restricts
// once in force.
package rule

import "fmt"

// Mode determines what an applicable rule does to an operation.
type Mode string

const (
	// ModeApprove gates matching operations behind user approval.
	ModeApprove Mode = "approve"
	// ModeBlock rejects matching operations outright.
	ModeBlock Mode = "block"
)

// TriggerAlways marks a rule that is in force from session creation.
const TriggerAlways = "always"

// Rule is a single security constraint. Immutable after load.
type Rule struct {
	ID          string `yaml:"id" json:"id"`
	Trigger     string `yaml:"trigger" json:"trigger"`
	Effect      string `yaml:"effect" json:"effect"`
	Mode        Mode   `yaml:"mode" json:"mode"`
	Description string `yaml:"description" json:"description"`
}

// Always reports whether the rule is in force from session creation.
func (r Rule) Always() bool {
	return r.Trigger == TriggerAlways
}

// validate checks a single rule's fields.
func (r Rule) validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule has empty id")
	}
	if r.Trigger == "" {
		return fmt.Errorf("rule %q has empty trigger", r.ID)
	}
	if r.Effect == "" {
		return fmt.Errorf("rule %q has empty effect", r.ID)
	}
	if r.Mode != ModeApprove && r.Mode != ModeBlock {
		return fmt.Errorf("rule %q has invalid mode %q", r.ID, r.Mode)
	}
	return nil
}

// Set is an immutable, ordered collection of rules. Order is file order
// and is the tiebreak used by the engine when reporting rule ids.
type Set struct {
	rules []Rule
	byID  map[string]Rule
}

// NewSet builds a Set from rules, validating each and rejecting
// duplicate ids.
func NewSet(rules []Rule) (*Set, error) {
	byID := make(map[string]Rule, len(rules))
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		byID[r.ID] = r
	}
	return &Set{rules: append([]Rule(nil), rules...), byID: byID}, nil
}

// All returns the rules in file order. Callers must not mutate the slice.
func (s *Set) All() []Rule {
	return s.rules
}

// Get returns the rule with the given id.
func (s *Set) Get(id string) (Rule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Has reports whether a rule with the given id exists.
func (s *Set) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// Len returns the number of rules.
func (s *Set) Len() int {
	return len(s.rules)
}
