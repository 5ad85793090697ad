package harness

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"regexp"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/interp"

	"scriptloop/internal/guard"
	"scriptloop/internal/issues"
)

// Categories of execution problems.
const (
	CategorySyntax      = "Syntax error"
	CategoryImport      = "Import not allowed"
	CategoryRuntime     = "Runtime error"
	CategoryTimeout     = "Timeout"
	CategoryPolicy      = "Forbidden operation"
	CategoryWarning     = "Runtime warnings"
	CategoryStatic      = "Static analysis"
	CategoryStyle       = "Formatting"
	CategoryMissing     = "Missing output files"
	CategoryMalformed   = "Malformed output"
	CategoryOversize    = "Output too large"
	CategoryEmptyOutput = "Empty output"
	CategoryDesign      = "Output design"
)

// sourcePos matches "file.go:12:3:" or a bare "12:3:" position prefix in
// interpreter diagnostics.
var sourcePos = regexp.MustCompile(`(?:^|\.go:)(\d+):(\d+):?`)

// Position is a line and column within the extracted code.
type Position struct {
	Line   int
	Column int
}

func (p Position) String() string { return fmt.Sprintf("line %d, column %d", p.Line, p.Column) }

// parseSource parses code as a Go file. Syntax errors become issues that
// point at the offending line.
func parseSource(code string) (*ast.File, *token.FileSet, issues.Set) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "main.go", code, parser.AllErrors)
	if err == nil {
		return file, fset, nil
	}
	var list scanner.ErrorList
	if !errors.As(err, &list) {
		return nil, nil, issues.Set{{
			Category:    CategorySyntax,
			Severity:    issues.SeverityRuntimeError,
			Explanation: err.Error(),
			Remediation: "Fix the syntax error.",
		}}
	}
	var out issues.Set
	for i, e := range list {
		if i == 3 {
			break
		}
		pos := Position{Line: e.Pos.Line, Column: e.Pos.Column}
		out = append(out, issues.Issue{
			Category:    CategorySyntax,
			Item:        pos.String(),
			Severity:    issues.SeverityRuntimeError,
			Explanation: e.Msg + quoteLine(code, pos.Line),
			Remediation: "Fix the syntax error and return the complete corrected script.",
		})
	}
	return nil, nil, out
}

// locate finds the first source position mentioned in the given texts.
func locate(texts ...string) (Position, bool) {
	for _, text := range texts {
		for _, line := range strings.Split(text, "\n") {
			m := sourcePos.FindStringSubmatch(strings.TrimSpace(line))
			if m == nil {
				continue
			}
			ln, _ := strconv.Atoi(m[1])
			col, _ := strconv.Atoi(m[2])
			if ln > 0 {
				return Position{Line: ln, Column: col}, true
			}
		}
	}
	return Position{}, false
}

// quoteLine renders line n of code for inclusion in an explanation.
func quoteLine(code string, n int) string {
	lines := strings.Split(code, "\n")
	if n < 1 || n > len(lines) {
		return ""
	}
	text := strings.TrimSpace(lines[n-1])
	if text == "" {
		return ""
	}
	return fmt.Sprintf("\nOn line %d: `%s`", n, text)
}

// faultMessage unwraps interpreter panics to the value the script raised.
func faultMessage(err error) string {
	var p interp.Panic
	if errors.As(err, &p) {
		return fmt.Sprint(p.Value)
	}
	return err.Error()
}

// runtimeIssue maps an execution error onto the extracted code.
func runtimeIssue(code string, err error, stderr string) issues.Issue {
	msg := faultMessage(err)
	is := issues.Issue{
		Category:    CategoryRuntime,
		Severity:    issues.SeverityRuntimeError,
		Explanation: strings.TrimSpace(sourcePos.ReplaceAllString(msg, "")),
		Remediation: "Fix the error and return the complete corrected script.",
	}
	if pos, ok := locate(err.Error(), stderr); ok {
		is.Item = pos.String()
		is.Explanation += quoteLine(code, pos.Line)
	}
	return is
}

// violationIssue reports a guard violation naming the forbidden resource.
func violationIssue(v *guard.Violation) issues.Issue {
	var remediation string
	switch v.Kind {
	case guard.ViolationFileRead:
		remediation = "Only read the input files you were given."
	case guard.ViolationFileWrite:
		remediation = "Only create the output files you were asked to create."
	case guard.ViolationImport:
		remediation = "Do not import this package. Use the allowed packages only."
	case guard.ViolationCall:
		remediation = "Do not call this function."
	default:
		remediation = "Do not use this functionality."
	}
	explanation := fmt.Sprintf("The code attempted a forbidden operation (%s).", v.Kind)
	if v.Reason != "" {
		explanation = fmt.Sprintf("The code attempted a forbidden operation (%s): %s.", v.Kind, v.Reason)
	}
	return issues.Issue{
		Category:    CategoryPolicy,
		Item:        v.Resource,
		Severity:    issues.SeverityRuntimeError,
		Explanation: explanation,
		Remediation: remediation,
	}
}
