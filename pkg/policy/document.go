// Package policy evaluates declarative policy documents against tool
// executions: rule matching, soft limit clamping, and hard constraint
// gating.
package policy

// Reserved action keys
const (
	ActionBlock           = "block"
	ActionWarn            = "warn"
	ActionEnforcement     = "enforcement"
	ActionRequireApproval = "require_approval"
)

// Severity of a policy violation
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Rule is a named, prioritized set of AND-combined conditions mapped to
// an action set. Priority is metadata for a caller's own conflict
// resolution; it never changes evaluation order.
type Rule struct {
	ID         string                 `json:"id"`
	Priority   int                    `json:"priority"`
	Conditions []Matcher              `json:"conditions"`
	Actions    map[string]interface{} `json:"actions"`
}

// Blocks reports whether the rule carries a block or require_approval action
func (r *Rule) Blocks() bool {
	return actionTrue(r.Actions, ActionBlock) || actionTrue(r.Actions, ActionRequireApproval)
}

// Warns reports whether the rule carries a warn action
func (r *Rule) Warns() bool {
	return actionTrue(r.Actions, ActionWarn)
}

func actionTrue(actions map[string]interface{}, key string) bool {
	v, ok := actions[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Defaults carries document-wide settings
type Defaults struct {
	Enforcement string `json:"enforcement,omitempty"`
}

// CacheConfig is advisory caching metadata carried by the document
type CacheConfig struct {
	Enabled bool  `json:"enabled"`
	TTL     int64 `json:"ttl,omitempty"`
}

// Document is the external policy file: a version tag, an ordered list
// of rules, and the enforcement policies active for this deployment.
// Rules are evaluated and reported in definition order.
type Document struct {
	Version  string         `json:"version"`
	Rules    []Rule         `json:"rules"`
	Policies []ActivePolicy `json:"policies,omitempty"`
	Defaults *Defaults      `json:"defaults,omitempty"`
	Cache    *CacheConfig   `json:"cache,omitempty"`
}

// RuleResult is the outcome of evaluating one rule against an input.
// Apply returns one per rule, matched or not, so callers can audit
// near-misses.
type RuleResult struct {
	RuleID   string                 `json:"rule_id"`
	Priority int                    `json:"priority"`
	Matched  bool                   `json:"matched"`
	Actions  map[string]interface{} `json:"actions,omitempty"`
}

// Violation records a rule breach or an enforced clamp
type Violation struct {
	RuleID        string      `json:"rule_id"`
	Field         string      `json:"field,omitempty"`
	Reason        string      `json:"reason"`
	Severity      Severity    `json:"severity"`
	OriginalValue interface{} `json:"original_value,omitempty"`
	EnforcedValue interface{} `json:"enforced_value,omitempty"`
}

// Apply evaluates every rule in definition order. A rule matches iff all
// of its conditions match (AND semantics); an empty condition list never
// matches.
func Apply(doc *Document, input interface{}) []RuleResult {
	if doc == nil {
		return nil
	}

	results := make([]RuleResult, 0, len(doc.Rules))
	for _, rule := range doc.Rules {
		matched := len(rule.Conditions) > 0
		for _, cond := range rule.Conditions {
			if !EvaluateMatcher(cond, input) {
				matched = false
				break
			}
		}

		result := RuleResult{
			RuleID:   rule.ID,
			Priority: rule.Priority,
			Matched:  matched,
		}
		if matched {
			result.Actions = rule.Actions
		}
		results = append(results, result)
	}

	return results
}

// Matched filters rule results down to the matched ones
func Matched(results []RuleResult) []RuleResult {
	matched := []RuleResult{}
	for _, r := range results {
		if r.Matched {
			matched = append(matched, r)
		}
	}
	return matched
}
