// Package issues defines the closed taxonomy of problems found while running
// or checking a candidate script, and renders them into the corrective
// message sent back to the model.
package issues

import (
	"fmt"
	"sort"
	"strings"
)

// Severity orders issues from cosmetic to fundamental.
type Severity int

const (
	SeverityStyle Severity = iota
	SeverityStatic
	SeverityRuntimeWarning
	SeverityRuntimeError
	SeverityOutputA
	SeverityOutputB
	SeverityOutputC
	SeverityOutputDesign
)

func (s Severity) String() string {
	switch s {
	case SeverityStyle:
		return "style"
	case SeverityStatic:
		return "static"
	case SeverityRuntimeWarning:
		return "runtime_warning"
	case SeverityRuntimeError:
		return "runtime_error"
	case SeverityOutputA:
		return "output_a"
	case SeverityOutputB:
		return "output_b"
	case SeverityOutputC:
		return "output_c"
	case SeverityOutputDesign:
		return "output_design"
	default:
		return "unknown"
	}
}

// IsOutput reports whether s is one of the output-content tiers.
func (s Severity) IsOutput() bool {
	return s >= SeverityOutputA && s <= SeverityOutputC
}

// Issue is one diagnostic. Explanation is for humans, Remediation is a
// directive addressed to the model.
type Issue struct {
	Category    string   `json:"category"`
	Item        string   `json:"item,omitempty"`
	Severity    Severity `json:"severity"`
	Explanation string   `json:"explanation"`
	Remediation string   `json:"remediation,omitempty"`
}

// Blocking reports whether the issue must be fixed before a run is
// accepted. Style issues are reported but never block.
func (i Issue) Blocking() bool { return i.Severity > SeverityStyle }

func (i Issue) String() string {
	if i.Item != "" {
		return fmt.Sprintf("[%s] %s (%s): %s", i.Severity, i.Category, i.Item, i.Explanation)
	}
	return fmt.Sprintf("[%s] %s: %s", i.Severity, i.Category, i.Explanation)
}

// Set is an ordered collection of issues.
type Set []Issue

// Add appends issues and returns the extended set.
func (s Set) Add(is ...Issue) Set { return append(s, is...) }

// Empty reports whether there is nothing to fix or report.
func (s Set) Empty() bool { return len(s) == 0 }

// Blocking reports whether any issue blocks acceptance.
func (s Set) Blocking() bool {
	for _, i := range s {
		if i.Blocking() {
			return true
		}
	}
	return false
}

// Max returns the highest severity in the set and false when empty.
func (s Set) Max() (Severity, bool) {
	if len(s) == 0 {
		return 0, false
	}
	top := s[0].Severity
	for _, i := range s[1:] {
		if i.Severity > top {
			top = i.Severity
		}
	}
	return top, true
}

// AtLeast returns the issues with severity >= min.
func (s Set) AtLeast(min Severity) Set {
	var out Set
	for _, i := range s {
		if i.Severity >= min {
			out = append(out, i)
		}
	}
	return out
}

// Categories returns category names ordered by their most severe issue,
// then by first appearance.
func (s Set) Categories() []string {
	type entry struct {
		name  string
		max   Severity
		first int
	}
	byName := map[string]*entry{}
	var entries []*entry
	for idx, i := range s {
		e, ok := byName[i.Category]
		if !ok {
			e = &entry{name: i.Category, max: i.Severity, first: idx}
			byName[i.Category] = e
			entries = append(entries, e)
		}
		if i.Severity > e.max {
			e.max = i.Severity
		}
	}
	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].max != entries[b].max {
			return entries[a].max > entries[b].max
		}
		return entries[a].first < entries[b].first
	})
	out := make([]string, len(entries))
	for k, e := range entries {
		out[k] = e.name
	}
	return out
}

// Render produces the corrective message: one block per category in
// descending severity, each issue a bullet with explanation and remediation.
func Render(s Set) string {
	if len(s) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("I ran your code and found the following issues:\n")
	for _, cat := range s.Categories() {
		b.WriteString("\n# ")
		b.WriteString(cat)
		b.WriteString("\n")
		for _, i := range s {
			if i.Category != cat {
				continue
			}
			b.WriteString("* ")
			if i.Item != "" {
				b.WriteString(i.Item)
				b.WriteString(": ")
			}
			b.WriteString(strings.TrimSpace(i.Explanation))
			b.WriteString("\n")
			if r := strings.TrimSpace(i.Remediation); r != "" {
				for _, line := range strings.Split(r, "\n") {
					b.WriteString("  ")
					b.WriteString(line)
					b.WriteString("\n")
				}
			}
		}
	}
	b.WriteString("\nPlease rewrite the complete code again with these issues corrected.\n")
	return b.String()
}
