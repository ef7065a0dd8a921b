package dockerx

import (
	"fmt"
	"regexp"
	"strings"
)

// LintIssue is one finding from Dockerfile validation
type LintIssue struct {
	Line     int    `json:"line"`
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// LintResult is the outcome of validating a Dockerfile
type LintResult struct {
	Valid  bool        `json:"valid"`
	Issues []LintIssue `json:"issues,omitempty"`
}

var (
	fromRe       = regexp.MustCompile(`(?i)^FROM\s+(\S+)`)
	latestTagRe  = regexp.MustCompile(`:latest$|^[^:@]+$`)
	addRe        = regexp.MustCompile(`(?i)^ADD\s`)
	userRe       = regexp.MustCompile(`(?i)^USER\s+(\S+)`)
	sudoRe       = regexp.MustCompile(`(?i)\bsudo\b`)
	aptNoCleanRe = regexp.MustCompile(`(?i)apt-get\s+install`)
)

// Lint statically validates Dockerfile content. Errors make the result
// invalid; warnings do not.
func Lint(content string) LintResult {
	result := LintResult{Valid: true}
	lines := strings.Split(content, "\n")

	var sawFrom bool
	var lastUser string
	instructions := map[string]int{}

	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lineNo := i + 1

		if m := fromRe.FindStringSubmatch(line); m != nil {
			sawFrom = true
			image := m[1]
			// Stage references (FROM builder) and ARG-driven images are skipped.
			if !strings.Contains(image, "$") && latestTagRe.MatchString(image) && !isStageRef(image, lines[:i]) {
				result.Issues = append(result.Issues, LintIssue{
					Line:     lineNo,
					Rule:     "pinned-base-image",
					Severity: "warning",
					Message:  fmt.Sprintf("base image %q is not pinned to a version tag", image),
				})
			}
		}

		if addRe.MatchString(line) && !strings.Contains(line, "http") && !strings.Contains(line, ".tar") {
			result.Issues = append(result.Issues, LintIssue{
				Line:     lineNo,
				Rule:     "prefer-copy",
				Severity: "warning",
				Message:  "use COPY instead of ADD for local files",
			})
		}

		if m := userRe.FindStringSubmatch(line); m != nil {
			lastUser = m[1]
		}

		if sudoRe.MatchString(line) {
			result.Issues = append(result.Issues, LintIssue{
				Line:     lineNo,
				Rule:     "no-sudo",
				Severity: "error",
				Message:  "sudo has no effect in container builds and hides privilege assumptions",
			})
		}

		if aptNoCleanRe.MatchString(line) && !strings.Contains(line, "rm -rf /var/lib/apt/lists") {
			result.Issues = append(result.Issues, LintIssue{
				Line:     lineNo,
				Rule:     "apt-cleanup",
				Severity: "warning",
				Message:  "clean apt lists in the same RUN layer to keep the image small",
			})
		}

		word := strings.ToUpper(strings.Fields(line)[0])
		instructions[word]++
	}

	if !sawFrom {
		result.Issues = append(result.Issues, LintIssue{
			Line:     1,
			Rule:     "missing-from",
			Severity: "error",
			Message:  "Dockerfile has no FROM instruction",
		})
	}

	if lastUser == "" || lastUser == "root" || lastUser == "0" {
		result.Issues = append(result.Issues, LintIssue{
			Line:     len(lines),
			Rule:     "nonroot-user",
			Severity: "warning",
			Message:  "final stage runs as root; add a USER instruction",
		})
	}

	if instructions["CMD"] == 0 && instructions["ENTRYPOINT"] == 0 {
		result.Issues = append(result.Issues, LintIssue{
			Line:     len(lines),
			Rule:     "missing-entrypoint",
			Severity: "error",
			Message:  "Dockerfile has neither CMD nor ENTRYPOINT",
		})
	}

	for _, issue := range result.Issues {
		if issue.Severity == "error" {
			result.Valid = false
			break
		}
	}

	return result
}

func isStageRef(image string, previous []string) bool {
	for _, raw := range previous {
		line := strings.TrimSpace(raw)
		if m := fromRe.FindStringSubmatch(line); m != nil {
			if idx := strings.Index(strings.ToLower(line), " as "); idx >= 0 {
				stage := strings.TrimSpace(line[idx+4:])
				if strings.EqualFold(stage, image) {
					return true
				}
			}
		}
	}
	return false
}
