package harness

import (
	"fmt"
	"go/ast"
	"go/format"
	"go/token"
	"strconv"

	"scriptloop/internal/guard"
	"scriptloop/internal/issues"
)

// importIssues checks the script's own imports against the import hooks
// of the stack and against the packages the sandbox exposes.
func importIssues(file *ast.File, sb *guard.Sandbox, stack *guard.Stack) issues.Set {
	var out issues.Set
	for _, spec := range file.Imports {
		pkg, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		if err := stack.Import(pkg); err != nil {
			if v, ok := guard.AsViolation(err); ok {
				out = append(out, violationIssue(v))
				continue
			}
		}
		if !sb.Bindings().Has(pkg) {
			out = append(out, issues.Issue{
				Category:    CategoryImport,
				Item:        pkg,
				Severity:    issues.SeverityRuntimeError,
				Explanation: fmt.Sprintf("Package %q is not available.", pkg),
				Remediation: fmt.Sprintf("Use only these packages: %v.", sb.Bindings().Packages()),
			})
		}
	}
	return out
}

// staticIssues flags constructs that make scripts unreliable to run and
// check: explicit panics, goroutines and init functions.
func staticIssues(file *ast.File, fset *token.FileSet, code string) issues.Set {
	var out issues.Set
	add := func(n ast.Node, explanation, remediation string) {
		pos := fset.Position(n.Pos())
		out = append(out, issues.Issue{
			Category:    CategoryStatic,
			Item:        Position{Line: pos.Line, Column: pos.Column}.String(),
			Severity:    issues.SeverityStatic,
			Explanation: explanation + quoteLine(code, pos.Line),
			Remediation: remediation,
		})
	}
	ast.Inspect(file, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.FuncDecl:
			if node.Recv == nil && node.Name.Name == "init" {
				add(node, "The script declares an init function.",
					"Move the initialisation into main.")
			}
		case *ast.GoStmt:
			add(node, "The script starts a goroutine.",
				"Do the work sequentially in main.")
		case *ast.CallExpr:
			if id, ok := node.Fun.(*ast.Ident); ok && id.Name == "panic" && id.Obj == nil {
				add(node, "The script calls panic.",
					"Handle the error, or report it with fmt.Println and return.")
			}
		}
		return true
	})
	return out
}

// styleIssues reports code that is not gofmt formatted. The issue is not
// blocking.
func styleIssues(code string) issues.Set {
	formatted, err := format.Source([]byte(code))
	if err != nil || string(formatted) == code {
		return nil
	}
	return issues.Set{{
		Category:    CategoryStyle,
		Severity:    issues.SeverityStyle,
		Explanation: "The code is not gofmt formatted.",
		Remediation: "Format the code with gofmt.",
	}}
}
