package harness

import (
	"fmt"
	"strings"

	"scriptloop/internal/issues"
)

const fence = "```"

// Category names used for extraction problems.
const (
	CategoryExtraction = "Code extraction"
)

// recognised fence labels for Go code.
var goLabels = map[string]bool{"go": true, "golang": true}

// Extract returns the code inside the single fenced block of candidate.
// Zero blocks, several blocks and an unterminated fence are extraction
// issues; nothing is executed in that case.
func Extract(candidate string) (string, issues.Set) {
	lines := strings.Split(candidate, "\n")
	var opens []int
	var closes []int
	inside := false
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), fence) {
			continue
		}
		if inside {
			closes = append(closes, i)
		} else {
			opens = append(opens, i)
		}
		inside = !inside
	}

	switch {
	case inside:
		return "", issues.Set{extractionIssue(
			"The code block is not terminated.",
			"Close the code block with a line containing only "+fence+".",
		)}
	case len(opens) == 0:
		return "", issues.Set{extractionIssue(
			"Your response contains no code block.",
			"Return the complete script in a single "+fence+"go block.",
		)}
	case len(opens) > 1:
		return "", issues.Set{extractionIssue(
			fmt.Sprintf("Your response contains %d code blocks.", len(opens)),
			"Return the complete script in a single "+fence+"go block. Do not split it into parts.",
		)}
	}

	code := strings.Join(lines[opens[0]+1:closes[0]], "\n")
	if strings.TrimSpace(code) == "" {
		return "", issues.Set{extractionIssue(
			"The code block is empty.",
			"Return the complete script in a single "+fence+"go block.",
		)}
	}
	return code + "\n", nil
}

// Normalize labels the single fence pair of candidate as Go when it carries
// no recognised label. Text with any other fence layout is returned as is.
func Normalize(candidate string) string {
	lines := strings.Split(candidate, "\n")
	var idx []int
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), fence) {
			idx = append(idx, i)
		}
	}
	if len(idx) != 2 {
		return candidate
	}
	open := strings.TrimSpace(lines[idx[0]])
	label := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(open, fence)))
	if goLabels[label] {
		return candidate
	}
	lines[idx[0]] = fence + "go"
	return strings.Join(lines, "\n")
}

func extractionIssue(explanation, remediation string) issues.Issue {
	return issues.Issue{
		Category:    CategoryExtraction,
		Severity:    issues.SeverityRuntimeError,
		Explanation: explanation,
		Remediation: remediation,
	}
}
