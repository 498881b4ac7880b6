package rule

import (
	"fmt"

	"github.com/r3e-network/acteon/internal/action"
)

// Rule is a named, prioritized policy entry.
type Rule struct {
	Name        string
	Priority    int
	Enabled     bool
	Condition   Expr
	Description string
	Source      string
	Version     string
	Metadata    map[string]string

	// Template builds the Verdict to emit when Condition matches.
	Template func(a *action.Action) action.Verdict
}

// Validate checks build-time invariants for a single rule: a name, a
// condition, and a template must all be present. Malformed expressions
// should be caught before Validate is called, e.g. while parsing a rule
// definition.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule: name is required")
	}
	if r.Condition == nil {
		return fmt.Errorf("rule %q: condition is required", r.Name)
	}
	if r.Template == nil {
		return fmt.Errorf("rule %q: action template is required", r.Name)
	}
	return nil
}
