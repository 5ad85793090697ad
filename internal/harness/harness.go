// Package harness runs one candidate script: it extracts the code from
// the model response, executes it in a fresh interpreter under a guard
// stack with a wall-clock budget, collects the declared output files and
// reports everything that went wrong as an issue set.
package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"scriptloop/internal/guard"
	"scriptloop/internal/issues"
	"scriptloop/internal/logging"
)

// Stage names reported in Result.Stage.
const (
	StageExtraction = "extraction"
	StageSyntax     = "syntax"
	StageImports    = "imports"
	StageExecution  = "execution"
	StageMissing    = "missing_outputs"
	StageDesign     = "output_design"
	StageMalformed  = "output_malformed"
	StageOversize   = "output_oversize"
	StageEmpty      = "output_empty"
	StageWarnings   = "runtime_warnings"
	StageStatic     = "static"
	StageStyle      = "style"
)

const maxQuotedStderr = 2000

// Options configures a Harness.
type Options struct {
	Timeout        time.Duration
	MaxOutputBytes int
	Workdir        string
}

// DefaultOptions returns the defaults used when a field is zero.
func DefaultOptions() Options {
	return Options{
		Timeout:        30 * time.Second,
		MaxOutputBytes: 64 * 1024,
		Workdir:        ".",
	}
}

// Request describes one run.
type Request struct {
	Requirements []Requirement
	Guards       []guard.Guard
	Timeout      time.Duration
	Workdir      string
}

// CodeAndOutput is the artifact of one run.
type CodeAndOutput struct {
	Code     string                `json:"code"`
	Files    map[string]OutputFile `json:"files,omitempty"`
	Stdout   string                `json:"stdout,omitempty"`
	Metadata map[string]string     `json:"metadata,omitempty"`
}

// Result is what Run reports. Issues holds the findings of the first
// checkpoint stage that produced any.
type Result struct {
	Output     *CodeAndOutput
	Issues     issues.Set
	Stage      string
	Executed   bool
	Guards     []string
	Violations []*guard.Violation
	Duration   time.Duration
}

// Succeeded reports whether the run has no blocking issue.
func (r *Result) Succeeded() bool { return !r.Issues.Blocking() }

// Stats counts harness activity since creation.
type Stats struct {
	Runs             int
	Executions       int
	Timeouts         int
	Violations       int
	ExtractionFaults int
	Successes        int
}

// Harness executes candidates against one sandbox.
type Harness struct {
	sandbox *guard.Sandbox
	opts    Options

	mu    sync.Mutex
	stats Stats
}

// New creates a harness. Zero option fields take their defaults.
func New(sb *guard.Sandbox, opts Options) *Harness {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxOutputBytes == 0 {
		opts.MaxOutputBytes = def.MaxOutputBytes
	}
	if opts.Workdir == "" {
		opts.Workdir = def.Workdir
	}
	return &Harness{sandbox: sb, opts: opts}
}

// Stats returns a copy of the counters.
func (h *Harness) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Harness) count(f func(*Stats)) {
	h.mu.Lock()
	f(&h.stats)
	h.mu.Unlock()
}

// Run executes candidate. Problems with the script are returned as issues
// in the Result; the error is reserved for conditions outside the script,
// such as guard.ErrBusy, cancellation of ctx, or an unusable working
// directory.
func (h *Harness) Run(ctx context.Context, candidate string, req Request) (*Result, error) {
	start := time.Now()
	timer := logging.StartTimer(logging.CategoryHarness, "harness run")
	defer func() { timer.StopWithThreshold(h.opts.Timeout) }()
	h.count(func(s *Stats) { s.Runs++ })

	res := &Result{Output: &CodeAndOutput{
		Files:    map[string]OutputFile{},
		Metadata: map[string]string{},
	}}
	finish := func(found issues.Set, stage string) *Result {
		res.Issues = found
		res.Stage = stage
		res.Duration = time.Since(start)
		res.Output.Metadata["duration"] = res.Duration.String()
		if stage != "" {
			res.Output.Metadata["stage"] = stage
		}
		if res.Succeeded() {
			h.count(func(s *Stats) { s.Successes++ })
		}
		logging.Harness("run finished: stage=%q issues=%d executed=%v", stage, len(found), res.Executed)
		return res
	}

	code, found := Extract(candidate)
	if len(found) > 0 {
		h.count(func(s *Stats) { s.ExtractionFaults++ })
		logging.HarnessDebug("extraction failed: %s", found[0].Explanation)
		return finish(found, StageExtraction), nil
	}
	res.Output.Code = code

	file, fset, found := parseSource(code)
	if len(found) > 0 {
		return finish(found, StageSyntax), nil
	}

	workdir := req.Workdir
	if workdir == "" {
		workdir = h.opts.Workdir
	}
	budget := req.Timeout
	if budget <= 0 {
		budget = h.opts.Timeout
	}

	stack := guard.NewStack(req.Guards...)
	end, err := h.sandbox.Begin(workdir, stack)
	if err != nil {
		if errors.Is(err, guard.ErrBusy) {
			logging.HarnessWarn("run rejected: %v", err)
			return nil, err
		}
		return nil, fmt.Errorf("begin guarded run: %w", err)
	}
	defer end()
	res.Guards = stack.Active()

	before, err := snapshotDir(workdir)
	if err != nil {
		return nil, fmt.Errorf("snapshot workdir: %w", err)
	}

	var (
		ex      execution
		changed []string
		checks  contentChecks
		ioErr   error
	)
	cp := issues.NewCheckpoint().
		Then(StageImports, func() issues.Set {
			return importIssues(file, h.sandbox, stack)
		}).
		Then(StageExecution, func() issues.Set {
			ex = h.execute(ctx, code, budget)
			res.Executed = true
			end()
			res.Violations = stack.Violations()
			res.Output.Stdout = ex.stdout
			return h.executionIssues(code, ex, res.Violations)
		}).
		Then(StageMissing, func() issues.Set {
			changed, ioErr = changedFiles(workdir, before)
			if ioErr != nil {
				return nil
			}
			assigned, missing := matchRequirements(req.Requirements, changed)
			if len(missing) > 0 {
				return missing
			}
			files, err := loadOutputs(workdir, assigned)
			if err != nil {
				ioErr = err
				return nil
			}
			res.Output.Files = files
			checks = contentChecks{files: files, assigned: assigned, maxBytes: h.opts.MaxOutputBytes}
			return nil
		}).
		Then(StageDesign, func() issues.Set { return checks.design() }).
		Then(StageMalformed, func() issues.Set { return checks.malformed() }).
		Then(StageOversize, func() issues.Set { return checks.oversize() }).
		Then(StageEmpty, func() issues.Set { return checks.empty() }).
		Then(StageWarnings, func() issues.Set { return warningIssues(ex.stderr) }).
		Then(StageStatic, func() issues.Set { return staticIssues(file, fset, code) }).
		Then(StageStyle, func() issues.Set { return styleIssues(code) })

	found, stage := cp.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if ioErr != nil {
		return nil, ioErr
	}
	if found.Blocking() && res.Executed {
		if changed == nil {
			changed, _ = changedFiles(workdir, before)
		}
		removeCreated(workdir, before, changed)
	}
	return finish(found, stage), nil
}

func (h *Harness) execute(ctx context.Context, code string, budget time.Duration) execution {
	h.count(func(s *Stats) { s.Executions++ })
	logging.Audit(logging.AuditEvent{EventType: logging.AuditRunStart, Message: fmt.Sprintf("budget %v", budget)})
	ex := execute(ctx, code, h.sandbox.Exports(), budget)
	switch {
	case ex.timedOut:
		h.count(func(s *Stats) { s.Timeouts++ })
		logging.HarnessWarn("script timed out after %v", budget)
		logging.Audit(logging.AuditEvent{EventType: logging.AuditRunTimeout, Message: budget.String()})
	default:
		logging.Audit(logging.AuditEvent{EventType: logging.AuditRunComplete, Success: ex.err == nil})
	}
	return ex
}

func (h *Harness) executionIssues(code string, ex execution, violations []*guard.Violation) issues.Set {
	if len(violations) > 0 {
		h.count(func(s *Stats) { s.Violations += len(violations) })
		var out issues.Set
		seen := make(map[string]bool)
		for _, v := range violations {
			key := v.Kind.String() + ":" + v.Resource
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, violationIssue(v))
		}
		return out
	}
	if ex.timedOut {
		return issues.Set{{
			Category:    CategoryTimeout,
			Severity:    issues.SeverityRuntimeError,
			Explanation: "The code did not finish within the time limit.",
			Remediation: "Make the code faster. Avoid unbounded loops and process the data in one pass.",
		}}
	}
	if ex.err != nil {
		return issues.Set{runtimeIssue(code, ex.err, ex.stderr)}
	}
	return nil
}

func warningIssues(stderr string) issues.Set {
	text := strings.TrimSpace(stderr)
	if text == "" {
		return nil
	}
	if len(text) > maxQuotedStderr {
		text = text[:maxQuotedStderr] + "\n..."
	}
	return issues.Set{{
		Category:    CategoryWarning,
		Severity:    issues.SeverityRuntimeWarning,
		Explanation: "The code wrote to standard error:\n" + text,
		Remediation: "Fix the cause of these messages, or stop writing to standard error.",
	}}
}
