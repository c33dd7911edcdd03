package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/racklens/internal/observability"
	"github.com/3leaps/racklens/pkg/joblog"
	"github.com/3leaps/racklens/pkg/resultcache"
)

var logCmd = &cobra.Command{
	Use:   "log <job_id>",
	Short: "Show the backend log of a job",
	Long: `Fetch and decode the backend's log for a job.

Console-style and JSON log lines are both understood. Lines that fit
neither form are shown as they are.

Examples:
  racklens log 3f2a
  racklens log 3f2a --level warning --tail 50
  racklens log 3f2a --json`,
	Args: cobra.ExactArgs(1),
	RunE: runLog,
}

var (
	logMinLevel string
	logTail     int
	logJSON     bool
)

func init() {
	rootCmd.AddCommand(logCmd)

	logCmd.Flags().StringVar(&logMinLevel, "level", "", "Minimum level to show (debug, info, warning, error, critical)")
	logCmd.Flags().IntVar(&logTail, "tail", 0, "Show last N entries (0 = all)")
	logCmd.Flags().BoolVar(&logJSON, "json", false, "Output decoded entries as JSON lines")
}

func runLog(cmd *cobra.Command, args []string) error {
	if logTail < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --tail value", fmt.Errorf("tail must be >= 0"))
	}
	ctx := cmd.Context()

	deps, err := loadClientDeps()
	if err != nil {
		return err
	}
	jobID, err := deps.resolveJobID(args[0])
	if err != nil {
		return err
	}
	deps.cache.SetCurrentJob(jobID)

	entry, err := deps.results.GetLog(ctx, jobID)
	if err != nil {
		observability.CLILogger.Error("Failed to fetch job log", zap.String("job_id", jobID), zap.Error(err))
		return classifiedError("Failed to fetch "+resultcache.Log().String(), err)
	}

	entries, err := joblog.Decode(entry.Data)
	if err != nil {
		return exitError(ExitFailure, "Failed to decode job log", err)
	}
	entries = joblog.FilterLevel(entries, logMinLevel)
	if logTail > 0 && len(entries) > logTail {
		entries = entries[len(entries)-logTail:]
	}

	if logJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
		}
		return nil
	}
	return printLogEntries(cmd.OutOrStdout(), entries)
}

func printLogEntries(w io.Writer, entries []joblog.Entry) error {
	for _, e := range entries {
		var err error
		if e.Time.IsZero() && e.Level == "" && e.Source == "" {
			_, err = fmt.Fprintln(w, e.Message)
		} else {
			ts := "-"
			if !e.Time.IsZero() {
				ts = e.Time.Format("2006-01-02 15:04:05")
			}
			level := e.Level
			if level == "" {
				level = "-"
			}
			if e.Source != "" {
				_, err = fmt.Fprintf(w, "%s %-8s %s: %s\n", ts, level, e.Source, e.Message)
			} else {
				_, err = fmt.Fprintf(w, "%s %-8s %s\n", ts, level, e.Message)
			}
		}
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}
