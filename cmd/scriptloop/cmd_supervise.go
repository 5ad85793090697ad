package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scriptloop/internal/bridge"
)

// superviseCmd runs several missions in child processes
var superviseCmd = &cobra.Command{
	Use:   "supervise [mission]...",
	Short: "Run each mission in its own child process",
	Long: `Starts one "scriptloop run --events" child per mission, at most
supervisor.max_parallel at a time, and summarises their event streams.
Each child gets its own working directory under the harness workdir.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSupervise,
}

func runSupervise(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, ws, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	binary := cfg.Supervisor.Binary
	if binary == "" {
		binary, err = os.Executable()
		if err != nil {
			return fmt.Errorf("cannot locate own executable: %w", err)
		}
	}

	base := inWorkspace(ws, cfg.Harness.Workdir)
	s := &bridge.Supervisor{
		Binary:      binary,
		MaxParallel: cfg.Supervisor.MaxParallel,
		Stderr:      cmd.ErrOrStderr(),
		Args: func(i int, mission string) []string {
			dir := filepath.Join(base, "mission-"+strconv.Itoa(i+1))
			return childArgs(ws, dir, mission)
		},
		OnEvent: func(mission string, ev bridge.Event) {
			logger.Debug("Child event", zap.String("mission", mission), zap.String("type", ev.Type))
		},
	}

	sums, err := s.Run(ctx, args)
	printSummaries(cmd.OutOrStdout(), sums)
	if err != nil {
		return err
	}
	for _, sum := range sums {
		if !sum.Success {
			return fmt.Errorf("%d of %d mission(s) failed", countFailed(sums), len(sums))
		}
	}
	return nil
}

func childArgs(ws, workdir, mission string) []string {
	args := []string{"run", "--events", "--workspace", ws, "--workdir", workdir}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if verbose {
		args = append(args, "--verbose")
	}
	return append(args, "--", mission)
}

func countFailed(sums []bridge.Summary) int {
	n := 0
	for _, s := range sums {
		if !s.Success {
			n++
		}
	}
	return n
}

func printSummaries(w io.Writer, sums []bridge.Summary) {
	for i, s := range sums {
		status := "ok"
		if !s.Success {
			status = "FAILED"
		}
		fmt.Fprintf(w, "%d. %-6s %s\n", i+1, status, shorten(s.Mission, 60))
		fmt.Fprintf(w, "   pipeline %s, %d message(s), last stage %s\n", s.PipelineID, s.Messages, s.LastStage)
		if s.Error != "" {
			fmt.Fprintf(w, "   %s\n", s.Error)
		}
		for _, f := range s.Files {
			fmt.Fprintf(w, "   output %s\n", f)
		}
	}
}
