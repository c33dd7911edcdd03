package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/racklens/internal/observability"
	"github.com/3leaps/racklens/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect recorded jobs",
	Long: `Inspect the jobs started from this machine.

Every job started with 'racklens start' is recorded under the registry
directory (registry.dir) with its files, last state and last progress.
Job ids may be abbreviated to any unambiguous prefix.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show the recorded status of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsAbortCmd = &cobra.Command{
	Use:   "abort <job_id>",
	Short: "Ask the backend to stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsAbort,
}

var jobsJSON bool

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsAbortCmd)

	jobsListCmd.Flags().BoolVar(&jobsJSON, "json", false, "Output as JSON")
	jobsStatusCmd.Flags().BoolVar(&jobsJSON, "json", false, "Output as JSON")
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	deps, err := loadClientDeps()
	if err != nil {
		return err
	}

	jobs, err := deps.registry.List()
	if err != nil {
		return exitError(ExitFailure, "Failed to read job registry", err)
	}
	return printJobList(cmd.OutOrStdout(), jobs, jobsJSON)
}

func printJobList(out io.Writer, jobs []jobregistry.JobRecord, asJSON bool) error {
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATE\tFILES\tPROGRESS\tSTARTED\tENDED")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			shortJobID(j.JobID),
			j.State,
			len(j.Files),
			formatProgress(j.Progress),
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	deps, err := loadClientDeps()
	if err != nil {
		return err
	}

	jobID, err := deps.registry.Resolve(args[0])
	if err != nil {
		return classifiedRegistryError(err)
	}
	rec, err := deps.registry.Get(jobID)
	if err != nil {
		return classifiedRegistryError(err)
	}

	out := cmd.OutOrStdout()
	if jobsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(out, "files=%s\n", strings.Join(rec.Files, ","))
	if rec.BackendURL != "" {
		_, _ = fmt.Fprintf(out, "backend_url=%s\n", rec.BackendURL)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.Progress != nil {
		_, _ = fmt.Fprintf(out, "progress=%s\n", formatProgress(rec.Progress))
		if rec.Progress.Detail != "" {
			_, _ = fmt.Fprintf(out, "detail=%s\n", rec.Progress.Detail)
		}
	}
	if rec.Reconnects > 0 {
		_, _ = fmt.Fprintf(out, "reconnects=%d\n", rec.Reconnects)
	}
	if rec.Reason != "" {
		_, _ = fmt.Fprintf(out, "reason=%s\n", rec.Reason)
	}
	return nil
}

func runJobsAbort(cmd *cobra.Command, args []string) error {
	deps, err := loadClientDeps()
	if err != nil {
		return err
	}
	jobID, err := deps.resolveJobID(args[0])
	if err != nil {
		return err
	}

	if err := deps.backend.CancelJob(cmd.Context(), jobID); err != nil {
		observability.CLILogger.Error("Failed to abort job", zap.String("job_id", jobID), zap.Error(err))
		return classifiedError("Failed to abort job", err)
	}
	observability.CLILogger.Info("Abort requested", zap.String("job_id", jobID))
	return nil
}

func classifiedRegistryError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, jobregistry.ErrNotFound):
		return exitError(ExitNotFound, "Job not recorded", err)
	case errors.Is(err, jobregistry.ErrAmbiguousID):
		return exitError(foundry.ExitInvalidArgument, "Ambiguous job id", err)
	default:
		return exitError(ExitFailure, "Failed to read job registry", err)
	}
}

func formatProgress(p *jobregistry.ProgressSummary) string {
	if p == nil {
		return "-"
	}
	parts := make([]string, 0, 3)
	if p.Stage != "" {
		parts = append(parts, p.Stage)
	}
	if p.Percent != nil {
		parts = append(parts, strconv.FormatFloat(*p.Percent, 'f', 1, 64)+"%")
	}
	if len(parts) == 0 {
		parts = append(parts, "#"+strconv.FormatInt(p.Sequence, 10))
	}
	return strings.Join(parts, " ")
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
