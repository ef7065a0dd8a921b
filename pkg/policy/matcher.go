package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// MatcherKind discriminates the matcher union
type MatcherKind string

const (
	KindRegex    MatcherKind = "regex"
	KindFunction MatcherKind = "function"
)

// FuncName enumerates the built-in matcher primitives. Anything outside
// this set evaluates to false.
type FuncName string

const (
	FuncHasPattern         FuncName = "hasPattern"
	FuncFileExists         FuncName = "fileExists"
	FuncLargerThan         FuncName = "largerThan"
	FuncHasVulnerabilities FuncName = "hasVulnerabilities"
)

// Matcher is a single boolean predicate evaluated against arbitrary
// input: a regex test (optionally count-thresholded) or a named built-in.
type Matcher struct {
	Kind MatcherKind `json:"kind"`

	// Regex fields
	Pattern        string `json:"pattern,omitempty"`
	Flags          string `json:"flags,omitempty"`
	CountThreshold *int   `json:"count_threshold,omitempty"`

	// Function fields
	Name FuncName      `json:"name,omitempty"`
	Args []interface{} `json:"args,omitempty"`
}

// EvaluateMatcher dispatches on the matcher kind. Unknown kinds and
// unknown function names evaluate to false: unrecognized input fails
// closed, absence of a match fails open.
func EvaluateMatcher(m Matcher, input interface{}) bool {
	switch m.Kind {
	case KindRegex:
		return evalRegex(m, input)
	case KindFunction:
		return evalFunction(m, input)
	default:
		log.Debug().Str("kind", string(m.Kind)).Msg("Unknown matcher kind, evaluating to false")
		return false
	}
}

func evalRegex(m Matcher, input interface{}) bool {
	re, err := compilePattern(m.Pattern, m.Flags)
	if err != nil {
		log.Warn().Str("pattern", m.Pattern).Err(err).Msg("Invalid regex pattern in matcher")
		return false
	}

	text := stringifyInput(input)

	if m.CountThreshold != nil {
		// Threshold matchers count every non-overlapping match rather
		// than stopping at the first. A zero threshold is trivially met.
		count := len(re.FindAllStringIndex(text, -1))
		return count >= *m.CountThreshold
	}

	return re.MatchString(text)
}

func evalFunction(m Matcher, input interface{}) bool {
	switch m.Name {
	case FuncHasPattern:
		pattern, ok := argString(m.Args, 0)
		if !ok {
			return false
		}
		flags, _ := argString(m.Args, 1)
		re, err := compilePattern(pattern, flags)
		if err != nil {
			return false
		}
		return re.MatchString(stringifyInput(input))

	case FuncFileExists:
		rel, ok := argString(m.Args, 0)
		if !ok {
			return false
		}
		info, err := os.Stat(rel)
		return err == nil && !info.IsDir()

	case FuncLargerThan:
		threshold, ok := argNumber(m.Args, 0)
		if !ok {
			return false
		}
		return inputSize(input) > threshold

	case FuncHasVulnerabilities:
		return hasVulnerabilities(m.Args, input)

	default:
		log.Debug().Str("function", string(m.Name)).Msg("Unknown matcher function, evaluating to false")
		return false
	}
}

// compilePattern translates the external flags string ("i", "m", "s";
// "g" only affects counting and is implied there) into Go inline flags.
func compilePattern(pattern, flags string) (*regexp.Regexp, error) {
	var inline strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			inline.WriteRune(f)
		}
	}
	if inline.Len() > 0 {
		pattern = "(?" + inline.String() + ")" + pattern
	}
	return regexp.Compile(pattern)
}

// stringifyInput makes structured objects searchable by text pattern.
// Non-strings go through deterministic JSON serialization (Go maps
// marshal with sorted keys).
func stringifyInput(input interface{}) string {
	switch v := input.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// inputSize is the string length of a string input or the numeric "size"
// field of an object input.
func inputSize(input interface{}) float64 {
	switch v := input.(type) {
	case string:
		return float64(len(v))
	case map[string]interface{}:
		if size, ok := toFloat(v["size"]); ok {
			return size
		}
	}
	return 0
}

// hasVulnerabilities checks an object's vulnerabilities array for an
// entry whose severity matches one of the argument severities,
// compared case-insensitively.
func hasVulnerabilities(args []interface{}, input interface{}) bool {
	obj, ok := input.(map[string]interface{})
	if !ok {
		return false
	}
	vulns, ok := obj["vulnerabilities"].([]interface{})
	if !ok {
		return false
	}

	wanted := make(map[string]bool)
	for _, arg := range args {
		switch a := arg.(type) {
		case string:
			wanted[strings.ToLower(a)] = true
		case []interface{}:
			for _, inner := range a {
				if s, ok := inner.(string); ok {
					wanted[strings.ToLower(s)] = true
				}
			}
		}
	}
	if len(wanted) == 0 {
		return false
	}

	for _, raw := range vulns {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		severity, ok := entry["severity"].(string)
		if ok && wanted[strings.ToLower(severity)] {
			return true
		}
	}

	return false
}

func argString(args []interface{}, idx int) (string, bool) {
	if idx >= len(args) {
		return "", false
	}
	s, ok := args[idx].(string)
	return s, ok
}

func argNumber(args []interface{}, idx int) (float64, bool) {
	if idx >= len(args) {
		return 0, false
	}
	return toFloat(args[idx])
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
