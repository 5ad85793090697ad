package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scriptloop/internal/diff"
	"scriptloop/internal/harness"
	"scriptloop/internal/journal"
	"scriptloop/internal/store"
)

var (
	replayFile  string
	replayFull  bool
	replayDiffs bool
)

// replayCmd rebuilds conversations from an action log
var replayCmd = &cobra.Command{
	Use:   "replay [pipeline-id]",
	Short: "Rebuild and print the conversations of a past run",
	Long: `Replays an action log against an empty journal and prints the resulting
conversations. The log comes from the history database, or from a file
written by "scriptloop run --export" when --file is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVarP(&replayFile, "file", "f", "", "Action log file (JSON lines)")
	replayCmd.Flags().BoolVar(&replayFull, "full", false, "Print whole messages instead of one-line summaries")
	replayCmd.Flags().BoolVar(&replayDiffs, "diffs", false, "Show how each candidate script changed from the previous one")
}

func runReplay(cmd *cobra.Command, args []string) error {
	records, err := loadRecords(args)
	if err != nil {
		return err
	}
	j, err := journal.Replay(records)
	if err != nil {
		return err
	}
	logger.Debug("Replayed action log", zap.Int("records", len(records)))
	printJournal(cmd.OutOrStdout(), j, replayFull)
	if replayDiffs {
		printCandidateDiffs(cmd.OutOrStdout(), j)
	}
	return nil
}

func loadRecords(args []string) ([]journal.Record, error) {
	if replayFile != "" {
		f, err := os.Open(replayFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return journal.Decode(f)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("a pipeline ID or --file is required")
	}
	cfg, ws, err := loadConfig()
	if err != nil {
		return nil, err
	}
	history, err := store.Open(inWorkspace(ws, cfg.Memory.DatabasePath))
	if err != nil {
		return nil, err
	}
	defer history.Close()
	return history.Records(args[0])
}

func printJournal(w io.Writer, j *journal.Journal, full bool) {
	failed := 0
	for _, r := range j.Records() {
		if r.Action.Kind == journal.KindFailedResponse {
			failed++
		}
	}
	for _, name := range j.Names() {
		c, _ := j.Conversation(name)
		fmt.Fprintf(w, "== %s (%d messages) ==\n", name, c.Len())
		for i, m := range c.Messages() {
			if full {
				fmt.Fprintf(w, "[%d] %s", i, m.Role)
				if m.Tag != "" {
					fmt.Fprintf(w, " #%s", m.Tag)
				}
				fmt.Fprintf(w, "\n%s\n\n", m.Content)
				continue
			}
			fmt.Fprintf(w, "%3d %s\n", i, m)
		}
	}
	fmt.Fprintf(w, "%d action(s), %d failed model call(s)\n", j.Len(), failed)
}

// printCandidateDiffs shows, per conversation, the change between each
// extractable candidate and the one before it.
func printCandidateDiffs(w io.Writer, j *journal.Journal) {
	for _, name := range j.Names() {
		c, _ := j.Conversation(name)
		prev, prevLabel := "", ""
		for i, m := range c.Messages() {
			if !m.Role.IsAssistantLike() {
				continue
			}
			code, found := harness.Extract(m.Content)
			if len(found) > 0 {
				continue
			}
			label := fmt.Sprintf("%s[%d]", name, i)
			if prevLabel == "" {
				fmt.Fprintf(w, "\n%s: first candidate, %d line(s)\n", label, strings.Count(code, "\n"))
			} else if r := diff.Scripts(prevLabel, label, prev, code); r.Empty() {
				fmt.Fprintf(w, "\n%s: unchanged\n", label)
			} else {
				fmt.Fprintf(w, "\n%s: +%d -%d\n%s", label, r.Added, r.Removed, r)
			}
			prev, prevLabel = code, label
		}
	}
}
