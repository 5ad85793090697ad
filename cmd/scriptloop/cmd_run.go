package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scriptloop/internal/bridge"
	"scriptloop/internal/debugger"
	"scriptloop/internal/harness"
	"scriptloop/internal/journal"
	"scriptloop/internal/llm"
	"scriptloop/internal/store"
)

var (
	emitEvents    bool
	exportPath    string
	runWorkdir    string
	maxIterations int
)

// runCmd drives one mission through the repair loop
var runCmd = &cobra.Command{
	Use:   "run [mission]",
	Short: "Write, run and repair a script for a mission",
	Long: `Asks the model for a Go program that performs the mission, runs it in the
sandbox and sends every problem back until the program succeeds or a bound
is reached.

With --events the progress is written to stdout as a JSON-lines event
stream; this is how "scriptloop supervise" talks to its children.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMission,
}

func init() {
	runCmd.Flags().BoolVar(&emitEvents, "events", false, "Write the event stream to stdout")
	runCmd.Flags().StringVar(&exportPath, "export", "", "Write the action log to this file as JSON lines")
	runCmd.Flags().StringVar(&runWorkdir, "workdir", "", "Override the harness working directory")
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Override pipeline.max_debug_iterations")
}

// signalContext is cancelled on SIGINT/SIGTERM or after the global timeout.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}

func runMission(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, ws, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if maxIterations > 0 {
		cfg.Pipeline.MaxDebugIterations = maxIterations
	}
	mission := joinArgs(args)
	logger.Info("Starting mission", zap.String("mission", mission), zap.Strings("tiers", cfg.LLM.Tiers))

	p, err := newPipeline(cfg, ws, runWorkdir)
	if err != nil {
		return err
	}
	client, err := llm.NewFromConfig(ctx, cfg.LLM, cfg.LLM.Timeout)
	if err != nil {
		return fmt.Errorf("failed to create model client: %w", err)
	}

	pipelineID := uuid.NewString()
	var observers []journal.Observer
	var history *store.History
	if cfg.Memory.Enabled {
		history, err = store.Open(inWorkspace(ws, cfg.Memory.DatabasePath))
		if err != nil {
			return err
		}
		defer history.Close()
		pipelineID, err = history.StartPipeline(mission, cfg.Pipeline.Conversation)
		if err != nil {
			return err
		}
		observers = append(observers, history.Recorder(pipelineID))
	}

	opts := []debugger.Option{debugger.WithPipelineID(pipelineID)}
	var emitter *bridge.Emitter
	if emitEvents {
		emitter = bridge.NewEmitter(cmd.OutOrStdout(), pipelineID)
		observers = append(observers, emitter)
		opts = append(opts, debugger.WithProgress(emitter))
	}

	j := journal.New(observers...)
	d := debugger.New(j, client, p.harness, debugger.Config{
		Conversation:       cfg.Pipeline.Conversation,
		SystemPrompt:       cfg.Pipeline.SystemPrompt,
		Mission:            mission,
		MaxDebugIterations: cfg.Pipeline.MaxDebugIterations,
		MaxCodeRevisions:   cfg.Pipeline.MaxCodeRevisions,
		Tiers:              llm.Tiered{Models: cfg.LLM.Tiers},
		Request:            p.request,
	}, opts...)

	out, runErr := d.Run(ctx)

	if history != nil {
		if err := history.FinishPipeline(pipelineID, runErr); err != nil {
			logger.Warn("Failed to record pipeline result", zap.Error(err))
		}
	}
	if exportPath != "" {
		if err := exportLog(j, exportPath); err != nil {
			logger.Warn("Failed to export action log", zap.Error(err))
		}
	}
	stats := p.harness.Stats()
	logger.Info("Mission finished",
		zap.String("pipeline", pipelineID),
		zap.String("state", d.State().String()),
		zap.Int("runs", stats.Runs),
		zap.Int("executions", stats.Executions),
		zap.Int("revisions", d.Revisions()),
		zap.Strings("read", p.tracker.Files()))

	if emitter != nil {
		if err := emitter.Finish(out, runErr); err != nil {
			logger.Warn("Event stream failed", zap.Error(err))
		}
		return runErr
	}
	if runErr != nil {
		return runErr
	}
	printOutput(cmd.OutOrStdout(), pipelineID, out)
	return nil
}

func exportLog(j *journal.Journal, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := j.Export(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printOutput(w io.Writer, pipelineID string, out *harness.CodeAndOutput) {
	fmt.Fprintf(w, "Pipeline %s succeeded\n\n", pipelineID)
	fmt.Fprintf(w, "```go\n%s```\n", out.Code)
	if out.Stdout != "" {
		fmt.Fprintf(w, "\nOutput:\n%s\n", out.Stdout)
	}
	names := make([]string, 0, len(out.Files))
	for name := range out.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := out.Files[name]
		if f.KeptAsData {
			fmt.Fprintf(w, "\nKept %s on disk\n", name)
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n%s\n", name, f.Content)
	}
}
