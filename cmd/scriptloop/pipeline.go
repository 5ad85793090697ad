package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"scriptloop/internal/config"
	"scriptloop/internal/guard"
	"scriptloop/internal/harness"
)

// pipeline is the harness side of a run, built from config.
type pipeline struct {
	harness *harness.Harness
	tracker *guard.ReadTracker
	request harness.Request
	workdir string
}

func newPipeline(cfg *config.Config, ws, workdirOverride string) (*pipeline, error) {
	hc := cfg.Harness
	sb, err := guard.NewSandbox(hc.AllowedPackages)
	if err != nil {
		return nil, fmt.Errorf("failed to build sandbox: %w", err)
	}

	workdir := hc.Workdir
	if workdirOverride != "" {
		workdir = workdirOverride
	}
	workdir = inWorkspace(ws, workdir)
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workdir: %w", err)
	}

	h := harness.New(sb, harness.Options{
		Timeout:        cfg.GetHarnessTimeout(),
		MaxOutputBytes: hc.MaxOutputBytes,
		Workdir:        workdir,
	})
	tracker := &guard.ReadTracker{}
	return &pipeline{
		harness: h,
		tracker: tracker,
		workdir: workdir,
		request: harness.Request{
			Requirements: requirements(hc.Outputs),
			Guards:       buildGuards(hc, tracker),
		},
	}, nil
}

// buildGuards turns the policy section of the config into guards, in
// installation order.
func buildGuards(hc config.HarnessConfig, tracker *guard.ReadTracker) []guard.Guard {
	var guards []guard.Guard
	if len(hc.DeniedImports) > 0 {
		guards = append(guards, &guard.ImportDeny{Denied: hc.DeniedImports})
	}
	if len(hc.Readable) > 0 || len(hc.Writable) > 0 {
		guards = append(guards, &guard.FileAccess{Readable: hc.Readable, Writable: hc.Writable})
	}
	var refs []guard.SymbolRef
	for _, s := range hc.DeniedCalls {
		pkg, name, ok := config.SplitSymbol(s)
		if !ok {
			if logger != nil {
				logger.Warn("Skipping malformed denied call", zap.String("symbol", s))
			}
			continue
		}
		refs = append(refs, guard.Ref(pkg, name))
	}
	if len(refs) > 0 {
		guards = append(guards, &guard.CallDeny{Symbols: refs})
	}
	if tracker != nil {
		guards = append(guards, tracker)
	}
	return guards
}

func requirements(outputs []config.OutputConfig) []harness.Requirement {
	reqs := make([]harness.Requirement, 0, len(outputs))
	for _, o := range outputs {
		reqs = append(reqs, harness.Requirement{
			Pattern:    o.Pattern,
			MinCount:   o.MinCount,
			KeepAsData: o.KeepAsData,
		})
	}
	return reqs
}
