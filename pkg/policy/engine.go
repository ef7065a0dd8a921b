package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// GenerationConfig is the effective configuration handed to a tool after
// enforcement: clamped limits, merged forbidden patterns, and the
// tool-specific fragment from each active policy.
type GenerationConfig struct {
	MaxTokens           int                    `json:"max_tokens"`
	MaxExecutionTime    time.Duration          `json:"max_execution_time"`
	ForbiddenPatterns   []string               `json:"forbidden_patterns,omitempty"`
	RequireSecurityScan bool                   `json:"require_security_scan"`
	ToolConfig          map[string]interface{} `json:"tool_config,omitempty"`
}

// Limits are the numeric ceilings a policy declares
type Limits struct {
	MaxTokens        int           `json:"max_tokens,omitempty"`
	MaxExecutionTime time.Duration `json:"max_execution_time,omitempty"`
}

// FieldConstraint restricts a named parameter field
type FieldConstraint struct {
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Enum    []string `json:"enum,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

// ActivePolicy is one policy participating in enforcement
type ActivePolicy struct {
	Name                string                            `json:"name"`
	Limits              Limits                            `json:"limits,omitempty"`
	ForbiddenPatterns   []string                          `json:"forbidden_patterns,omitempty"`
	RequireSecurityScan bool                              `json:"require_security_scan,omitempty"`
	ToolPolicies        map[string]map[string]interface{} `json:"tool_policies,omitempty"`
	Constraints         map[string]FieldConstraint        `json:"constraints,omitempty"`
}

// Context identifies what is being executed for enforcement purposes
type Context struct {
	Tool      string
	SessionID string
}

// EnforcementResult carries the clamped configuration and what was done
type EnforcementResult struct {
	Config     GenerationConfig `json:"config"`
	Violations []Violation      `json:"violations"`
	Enforced   bool             `json:"enforced"`
}

// Engine applies clamping and hard-gate validation across the set of
// active policies. It holds no hidden state; construct one per process
// and pass it where it is needed.
type Engine struct{}

// NewEngine creates a policy engine
func NewEngine() *Engine {
	return &Engine{}
}

// Enforce clamps the configuration against every policy's declared
// limits. Limits are clamped, never rejected: exceeding a ceiling
// produces a warning violation and the value is overwritten with the
// ceiling. Values below the ceiling are never raised. Forbidden pattern
// lists are unioned and requireSecurityScan is forced on if any policy
// requires it.
func (e *Engine) Enforce(cfg GenerationConfig, policies []ActivePolicy, pctx Context) EnforcementResult {
	result := EnforcementResult{Config: cfg}

	patterns := map[string]bool{}
	for _, p := range cfg.ForbiddenPatterns {
		patterns[p] = true
	}

	for _, policy := range policies {
		if policy.Limits.MaxTokens > 0 && result.Config.MaxTokens > policy.Limits.MaxTokens {
			result.Violations = append(result.Violations, Violation{
				RuleID:        policy.Name,
				Field:         "max_tokens",
				Reason:        fmt.Sprintf("max_tokens %d exceeds policy ceiling %d", result.Config.MaxTokens, policy.Limits.MaxTokens),
				Severity:      SeverityWarning,
				OriginalValue: result.Config.MaxTokens,
				EnforcedValue: policy.Limits.MaxTokens,
			})
			result.Config.MaxTokens = policy.Limits.MaxTokens
			result.Enforced = true
		}

		if policy.Limits.MaxExecutionTime > 0 && result.Config.MaxExecutionTime > policy.Limits.MaxExecutionTime {
			result.Violations = append(result.Violations, Violation{
				RuleID:        policy.Name,
				Field:         "max_execution_time",
				Reason:        fmt.Sprintf("max_execution_time %s exceeds policy ceiling %s", result.Config.MaxExecutionTime, policy.Limits.MaxExecutionTime),
				Severity:      SeverityWarning,
				OriginalValue: result.Config.MaxExecutionTime,
				EnforcedValue: policy.Limits.MaxExecutionTime,
			})
			result.Config.MaxExecutionTime = policy.Limits.MaxExecutionTime
			result.Enforced = true
		}

		for _, p := range policy.ForbiddenPatterns {
			patterns[p] = true
		}

		if policy.RequireSecurityScan {
			result.Config.RequireSecurityScan = true
		}

		if fragment, ok := policy.ToolPolicies[pctx.Tool]; ok {
			if result.Config.ToolConfig == nil {
				result.Config.ToolConfig = make(map[string]interface{})
			}
			for k, v := range fragment {
				result.Config.ToolConfig[k] = v
			}
		}
	}

	merged := make([]string, 0, len(patterns))
	for p := range patterns {
		merged = append(merged, p)
	}
	sort.Strings(merged)
	result.Config.ForbiddenPatterns = merged

	if result.Enforced {
		log.Debug().
			Str("tool", pctx.Tool).
			Int("violations", len(result.Violations)).
			Msg("Policy limits enforced")
	}

	return result
}

// ValidateConstraints is the hard gate, distinct from Enforce's soft
// clamping. Params are serialized and scanned case-insensitively against
// every policy's forbidden patterns, and named fields are checked against
// tool-specific constraints. An error-severity violation fails the call.
func (e *Engine) ValidateConstraints(params map[string]interface{}, policies []ActivePolicy, pctx Context) ([]Violation, error) {
	serialized := stringifyInput(params)
	var violations []Violation

	for _, policy := range policies {
		for _, pattern := range policy.ForbiddenPatterns {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				log.Warn().Str("policy", policy.Name).Str("pattern", pattern).Err(err).Msg("Invalid forbidden pattern")
				continue
			}
			if re.MatchString(serialized) {
				violations = append(violations, Violation{
					RuleID:   policy.Name,
					Reason:   fmt.Sprintf("parameters match forbidden pattern %q", pattern),
					Severity: SeverityError,
				})
			}
		}

		violations = append(violations, validateFields(params, policy)...)
	}

	for _, v := range violations {
		if v.Severity == SeverityError {
			return violations, fmt.Errorf("constraint validation failed: %s", summarize(violations))
		}
	}

	return violations, nil
}

func validateFields(params map[string]interface{}, policy ActivePolicy) []Violation {
	var violations []Violation

	for field, constraint := range policy.Constraints {
		value, present := params[field]
		if !present {
			continue
		}

		if num, ok := toFloat(value); ok {
			if constraint.Min != nil && num < *constraint.Min {
				violations = append(violations, Violation{
					RuleID:        policy.Name,
					Field:         field,
					Reason:        fmt.Sprintf("%s is below minimum %v", field, *constraint.Min),
					Severity:      SeverityError,
					OriginalValue: value,
				})
			}
			if constraint.Max != nil && num > *constraint.Max {
				violations = append(violations, Violation{
					RuleID:        policy.Name,
					Field:         field,
					Reason:        fmt.Sprintf("%s exceeds maximum %v", field, *constraint.Max),
					Severity:      SeverityError,
					OriginalValue: value,
				})
			}
		}

		if str, ok := value.(string); ok {
			if len(constraint.Enum) > 0 && !contains(constraint.Enum, str) {
				violations = append(violations, Violation{
					RuleID:        policy.Name,
					Field:         field,
					Reason:        fmt.Sprintf("%s must be one of %s", field, strings.Join(constraint.Enum, ", ")),
					Severity:      SeverityError,
					OriginalValue: value,
				})
			}
			if constraint.Pattern != "" {
				re, err := regexp.Compile(constraint.Pattern)
				if err == nil && !re.MatchString(str) {
					violations = append(violations, Violation{
						RuleID:        policy.Name,
						Field:         field,
						Reason:        fmt.Sprintf("%s does not match required pattern", field),
						Severity:      SeverityError,
						OriginalValue: value,
					})
				}
			}
		}
	}

	return violations
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func summarize(violations []Violation) string {
	reasons := make([]string, 0, len(violations))
	for _, v := range violations {
		if v.Severity == SeverityError {
			reasons = append(reasons, v.Reason)
		}
	}
	return strings.Join(reasons, "; ")
}

// MarshalJSON keeps durations readable in API responses
func (g GenerationConfig) MarshalJSON() ([]byte, error) {
	type alias GenerationConfig
	return json.Marshal(struct {
		alias
		MaxExecutionTime string `json:"max_execution_time"`
	}{alias(g), g.MaxExecutionTime.String()})
}
