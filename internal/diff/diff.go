// Package diff compares successive candidate scripts of a conversation
// using the sergi/go-diff line mode.
package diff

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Op is the kind of a diff line.
type Op int

const (
	OpContext Op = iota
	OpAdded
	OpRemoved
)

func (o Op) prefix() string {
	switch o {
	case OpAdded:
		return "+"
	case OpRemoved:
		return "-"
	}
	return " "
}

// Line is one line of a hunk. Old and New are 1-based positions in the
// previous and next script.
type Line struct {
	Op   Op
	Old  int
	New  int
	Text string
}

// Hunk is a run of changes with surrounding context.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// Revision is the difference between two scripts.
type Revision struct {
	From    string
	To      string
	Hunks   []Hunk
	Added   int
	Removed int
}

// ContextLines is the context kept around each change.
const ContextLines = 3

var dmp = func() *diffmatchpatch.DiffMatchPatch {
	d := diffmatchpatch.New()
	d.DiffTimeout = 0
	return d
}()

// Scripts computes the line diff from prev to next. from and to label the
// two sides in the rendered output.
func Scripts(from, to, prev, next string) *Revision {
	a, b, lines := dmp.DiffLinesToChars(prev, next)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	ops := toLines(diffs)
	r := &Revision{From: from, To: to, Hunks: group(ops, ContextLines)}
	for _, l := range ops {
		switch l.Op {
		case OpAdded:
			r.Added++
		case OpRemoved:
			r.Removed++
		}
	}
	return r
}

// Empty reports whether the scripts are identical.
func (r *Revision) Empty() bool { return len(r.Hunks) == 0 }

// String renders the revision in unified diff format.
func (r *Revision) String() string {
	if r.Empty() {
		return ""
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "--- %s\n+++ %s\n", r.From, r.To)
	for _, h := range r.Hunks {
		fmt.Fprintf(&sb, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
		for _, l := range h.Lines {
			sb.WriteString(l.Op.prefix())
			sb.WriteString(l.Text)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func toLines(diffs []diffmatchpatch.Diff) []Line {
	var out []Line
	oldLine, newLine := 1, 1
	for _, d := range diffs {
		for _, text := range strings.SplitAfter(d.Text, "\n") {
			if text == "" {
				continue
			}
			l := Line{Old: oldLine, New: newLine, Text: strings.TrimSuffix(text, "\n")}
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				l.Op = OpContext
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				l.Op = OpRemoved
				oldLine++
			case diffmatchpatch.DiffInsert:
				l.Op = OpAdded
				newLine++
			}
			out = append(out, l)
		}
	}
	return out
}

// group cuts lines into hunks, merging changes whose context overlaps.
func group(lines []Line, context int) []Hunk {
	var spans [][2]int
	for i, l := range lines {
		if l.Op == OpContext {
			continue
		}
		lo, hi := max(0, i-context), min(len(lines), i+context+1)
		if n := len(spans); n > 0 && lo <= spans[n-1][1] {
			spans[n-1][1] = max(spans[n-1][1], hi)
			continue
		}
		spans = append(spans, [2]int{lo, hi})
	}

	hunks := make([]Hunk, 0, len(spans))
	for _, s := range spans {
		h := Hunk{Lines: append([]Line(nil), lines[s[0]:s[1]]...)}
		h.OldStart, h.NewStart = h.Lines[0].Old, h.Lines[0].New
		for _, l := range h.Lines {
			if l.Op != OpAdded {
				h.OldCount++
			}
			if l.Op != OpRemoved {
				h.NewCount++
			}
		}
		hunks = append(hunks, h)
	}
	return hunks
}
