package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"testshard/internal/journal"

	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool
)

// historyCmd reads the run journal
var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "Show recent orchestration runs from the journal",
	Long: `Lists recent runs recorded in the journal, newest first. With a run id,
shows that run in full. Plan invocations never appear here; the journal
answers "what ran", and a plan runs nothing.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum rows to list")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Emit rows as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return confError("config", err)
	}
	if noJournal || !cfg.Journal.Enabled {
		fmt.Println("Journal is disabled.")
		return nil
	}

	store, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return confError("journal", err)
	}
	defer store.Close()

	if len(args) == 1 {
		rec, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return confError("journal", err)
		}
		if rec == nil {
			return confError("journal", fmt.Errorf("no run %q recorded", args[0]))
		}
		if historyJSON {
			return printJSON(os.Stdout, rec)
		}
		printRecord(rec)
		return nil
	}

	rows, err := store.Recent(cmd.Context(), historyLimit)
	if err != nil {
		return confError("journal", err)
	}

	if historyJSON {
		return printJSON(os.Stdout, rows)
	}

	if len(rows) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	for _, r := range rows {
		dur := (time.Duration(r.DurationMs) * time.Millisecond).Round(time.Millisecond)
		line := fmt.Sprintf("%s  %s  %-12s  %d/%d %-11s  %d tests  exit %d  %s",
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.RunID, r.AdapterName,
			r.ShardIndex, r.ShardTotal, r.Strategy,
			r.ShardCount, r.ExitCode, dur)
		if r.Interrupted {
			line += "  (interrupted)"
		} else if r.Failure != "" {
			line += "  " + r.Failure
		}
		fmt.Println(line)
	}
	return nil
}

func printRecord(r *journal.Record) {
	fmt.Printf("Run:        %s\n", r.RunID)
	fmt.Printf("Started:    %s\n", r.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("Finished:   %s\n", r.FinishedAt.Local().Format(time.RFC3339))
	fmt.Printf("Adapter:    %s %s (%s)\n", r.AdapterName, r.AdapterVersion, r.AdapterPath)
	fmt.Printf("Project:    %s\n", r.ProjectRoot)
	fmt.Printf("Shard:      %d/%d (%s)\n", r.ShardIndex, r.ShardTotal, r.Strategy)
	fmt.Printf("Tests:      %d of %d discovered\n", r.ShardCount, r.DiscoveredCount)
	if len(r.Command) > 0 {
		fmt.Printf("Command:    %s\n", strings.Join(r.Command, " "))
	}
	fmt.Printf("Exit:       %d (child %d)\n", r.ExitCode, r.ChildExitCode)
	fmt.Printf("Duration:   %s\n", (time.Duration(r.DurationMs) * time.Millisecond).Round(time.Millisecond))
	fmt.Printf("Platform:   %s\n", r.Platform)
	if r.Interrupted {
		fmt.Println("Interrupted: yes")
	}
	if r.Failure != "" {
		fmt.Printf("Failure:    %s\n", r.Failure)
	}
}
