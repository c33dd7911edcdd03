package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/racklens/internal/observability"
	"github.com/3leaps/racklens/pkg/heatmap"
	"github.com/3leaps/racklens/pkg/output"
	"github.com/3leaps/racklens/pkg/resultcache"
)

// Result output formats.
const (
	formatJSON = "json"
	formatYAML = "yaml"
	formatHeat = "heat"
)

var overviewCmd = &cobra.Command{
	Use:   "overview <job_id>",
	Short: "Fetch the site overview of a job",
	Long: `Fetch the overview result of a job. With --racks the detail of each
listed rack is fetched concurrently as well; a rack that fails is reported
as an error record and does not stop the others.

Examples:
  racklens overview 3f2a
  racklens overview 3f2a --racks 1,2,5 --concurrency 2
  racklens overview 3f2a --format yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runOverview,
}

var rackCmd = &cobra.Command{
	Use:   "rack <job_id> <rack>",
	Short: "Fetch the detail of one rack",
	Args:  cobra.ExactArgs(2),
	RunE:  runRack,
}

var cellCmd = &cobra.Command{
	Use:   "cell <job_id> <rack> <module> <cell>",
	Short: "Fetch the detail of one cell",
	Long: `Fetch the detail result of one cell.

With --format heat every numeric value of the document is printed with
its position on the cold-to-hot color scale.

Examples:
  racklens cell 3f2a 1 3 7
  racklens cell 3f2a 1 3 7 --format heat --include '**/soh'`,
	Args: cobra.ExactArgs(4),
	RunE: runCell,
}

var (
	resultFormat        string
	resultInclude       []string
	resultANSI          bool
	overviewRacks       []int
	overviewConcurrency int
)

func init() {
	for _, c := range []*cobra.Command{overviewCmd, rackCmd, cellCmd} {
		rootCmd.AddCommand(c)
		c.Flags().StringVarP(&resultFormat, "format", "f", formatJSON, "Output format: json (JSONL records), yaml, or heat")
		c.Flags().StringArrayVar(&resultInclude, "include", nil, "With --format heat, only show values whose path matches (repeatable)")
		c.Flags().BoolVar(&resultANSI, "color", false, "With --format heat, print ANSI color swatches")
	}
	overviewCmd.Flags().IntSliceVar(&overviewRacks, "racks", nil, "Also fetch these racks (comma-separated ids)")
	overviewCmd.Flags().IntVar(&overviewConcurrency, "concurrency", 4, "Maximum concurrent rack fetches")
}

func runOverview(cmd *cobra.Command, args []string) error {
	if overviewConcurrency < 1 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --concurrency value", fmt.Errorf("concurrency must be >= 1"))
	}
	rv, err := newResultView(cmd, args[0])
	if err != nil {
		return err
	}
	defer rv.close()
	ctx := cmd.Context()

	entry, err := rv.deps.results.GetOverview(ctx, rv.jobID)
	if err != nil {
		return rv.fail(ctx, "Failed to fetch overview", resultcache.Overview(), err)
	}
	if err := rv.emit(ctx, entry); err != nil {
		return err
	}
	if len(overviewRacks) == 0 {
		return nil
	}

	failed := 0
	for _, r := range rv.deps.results.PrefetchRacks(ctx, rv.jobID, overviewRacks, overviewConcurrency) {
		if r.Err != nil {
			failed++
			observability.CLILogger.Warn("Rack fetch failed", zap.Int("rack", r.RackID), zap.Error(r.Err))
			_ = rv.out.WriteError(context.WithoutCancel(ctx), errorRecordOf(r.Err, resultcache.Rack(r.RackID).String()))
			continue
		}
		if err := rv.emit(ctx, r.Entry); err != nil {
			return err
		}
	}
	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Overview completed with errors", fmt.Errorf("%d of %d racks failed", failed, len(overviewRacks)))
	}
	return nil
}

func runRack(cmd *cobra.Command, args []string) error {
	rackID, err := parseID("rack", args[1])
	if err != nil {
		return err
	}
	rv, err := newResultView(cmd, args[0])
	if err != nil {
		return err
	}
	defer rv.close()
	ctx := cmd.Context()

	entry, err := rv.deps.results.GetRack(ctx, rv.jobID, rackID)
	if err != nil {
		return rv.fail(ctx, "Failed to fetch rack", resultcache.Rack(rackID), err)
	}
	return rv.emit(ctx, entry)
}

func runCell(cmd *cobra.Command, args []string) error {
	ids := make([]int, 3)
	for i, name := range []string{"rack", "module", "cell"} {
		id, err := parseID(name, args[i+1])
		if err != nil {
			return err
		}
		ids[i] = id
	}
	rv, err := newResultView(cmd, args[0])
	if err != nil {
		return err
	}
	defer rv.close()
	ctx := cmd.Context()

	entry, err := rv.deps.results.GetCell(ctx, rv.jobID, ids[0], ids[1], ids[2])
	if err != nil {
		return rv.fail(ctx, "Failed to fetch cell", resultcache.Cell(ids[0], ids[1], ids[2]), err)
	}
	return rv.emit(ctx, entry)
}

func parseID(name, s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, exitError(foundry.ExitInvalidArgument, "Invalid "+name+" id", fmt.Errorf("%q is not a non-negative integer", s))
	}
	return n, nil
}

// resultView writes fetched results in the selected format.
type resultView struct {
	deps    *clientDeps
	jobID   string
	format  string
	include []string
	ansi    bool
	w       io.Writer
	out     *output.JSONLWriter
}

func newResultView(cmd *cobra.Command, jobArg string) (*resultView, error) {
	format := strings.ToLower(strings.TrimSpace(resultFormat))
	switch format {
	case formatJSON, formatYAML, formatHeat:
	default:
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --format value", fmt.Errorf("expected json, yaml, or heat; got %q", resultFormat))
	}

	deps, err := loadClientDeps()
	if err != nil {
		return nil, err
	}
	jobID, err := deps.resolveJobID(jobArg)
	if err != nil {
		return nil, err
	}
	deps.cache.SetCurrentJob(jobID)

	w := cmd.OutOrStdout()
	return &resultView{
		deps:    deps,
		jobID:   jobID,
		format:  format,
		include: resultInclude,
		ansi:    resultANSI,
		w:       w,
		out:     output.NewJSONLWriter(w, jobID, deps.backendAddr()),
	}, nil
}

func (rv *resultView) close() {
	_ = rv.out.Close()
}

func (rv *resultView) fail(ctx context.Context, msg string, scope resultcache.Scope, err error) error {
	observability.CLILogger.Error(msg,
		zap.String("job_id", rv.jobID),
		zap.String("scope", scope.String()),
		zap.Error(err))
	if rv.format == formatJSON {
		_ = rv.out.WriteError(context.WithoutCancel(ctx), errorRecordOf(err, scope.String()))
	}
	return classifiedError(msg, err)
}

func (rv *resultView) emit(ctx context.Context, e *resultcache.Entry) error {
	var err error
	switch rv.format {
	case formatYAML:
		err = writeYAML(rv.w, e)
	case formatHeat:
		err = writeHeat(rv.w, e, rv.include, rv.ansi)
	default:
		err = rv.out.WriteResult(ctx, &output.ResultRecord{
			Scope:     e.Key.Scope.String(),
			FetchedAt: e.FetchedAt,
			Result:    json.RawMessage(e.Data),
		})
	}
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write result", err)
	}
	return nil
}

func writeYAML(w io.Writer, e *resultcache.Entry) error {
	var doc any
	if err := json.Unmarshal(e.Data, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", e.Key.Scope, err)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{e.Key.Scope.String(): doc}); err != nil {
		return err
	}
	return enc.Close()
}

func writeHeat(w io.Writer, e *resultcache.Entry, include []string, ansi bool) error {
	m, err := heatmap.Build(e.Data, heatmap.Options{Include: include})
	if err != nil {
		return fmt.Errorf("%s: %w", e.Key.Scope, err)
	}
	if _, err := fmt.Fprintf(w, "# %s\n", e.Key.Scope); err != nil {
		return err
	}
	return m.Render(w, ansi)
}
