package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"scriptloop/internal/store"
)

var historyLimit int

// historyCmd lists stored runs
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past runs recorded in the history database",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum runs to list (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, ws, err := loadConfig()
	if err != nil {
		return err
	}
	history, err := store.Open(inWorkspace(ws, cfg.Memory.DatabasePath))
	if err != nil {
		return err
	}
	defer history.Close()

	runs, err := history.Pipelines(historyLimit)
	if err != nil {
		return err
	}
	printHistory(cmd.OutOrStdout(), runs)
	return nil
}

func printHistory(w io.Writer, runs []store.Pipeline) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	for _, p := range runs {
		took := "-"
		if !p.FinishedAt.IsZero() {
			took = p.FinishedAt.Sub(p.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s  %-9s  %4d actions  %6s  %s\n",
			p.ID, p.Status, p.Records, took, shorten(p.Mission, 50))
		if p.Error != "" {
			fmt.Fprintf(w, "    %s\n", p.Error)
		}
	}
}

func shorten(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
