package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/racklens/internal/observability"
	"github.com/3leaps/racklens/pkg/backend"
	"github.com/3leaps/racklens/pkg/output"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List input files available on the backend",
	Long: `List the data files the backend can analyze.

Use --match to narrow the list with glob patterns (doublestar syntax,
matched against the file name and its path).

Examples:
  racklens files
  racklens files --match 'site-a/**/*.csv' --json`,
	Args: cobra.NoArgs,
	RunE: runFiles,
}

var (
	filesMatch []string
	filesJSON  bool
)

func init() {
	rootCmd.AddCommand(filesCmd)

	filesCmd.Flags().StringArrayVar(&filesMatch, "match", nil, "Glob pattern to select files (repeatable)")
	filesCmd.Flags().BoolVar(&filesJSON, "json", false, "Output JSONL file records")
}

func runFiles(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	deps, err := loadClientDeps()
	if err != nil {
		return err
	}

	files, err := deps.backend.ListFiles(ctx)
	if err != nil {
		observability.CLILogger.Error("Failed to list files", zap.String("backend", deps.backendAddr()), zap.Error(err))
		return classifiedError("Failed to list files", err)
	}
	files, err = filterFiles(files, filesMatch)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --match pattern", err)
	}

	if filesJSON {
		w := output.NewJSONLWriter(cmd.OutOrStdout(), "", deps.backendAddr())
		defer func() { _ = w.Close() }()
		for _, f := range files {
			if err := w.WriteFile(ctx, fileRecordOf(f)); err != nil {
				return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
			}
		}
		return nil
	}
	return printFileTable(cmd.OutOrStdout(), files)
}

// filterFiles keeps the files whose name or path matches any pattern. No
// patterns keeps everything.
func filterFiles(files []backend.File, patterns []string) ([]backend.File, error) {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
		cleaned = append(cleaned, p)
	}
	if len(cleaned) == 0 {
		return files, nil
	}

	out := make([]backend.File, 0, len(files))
	for _, f := range files {
		if matchesAny(cleaned, f.Name) || (f.Path != "" && matchesAny(cleaned, f.Path)) {
			out = append(out, f)
		}
	}
	return out, nil
}

func matchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

func fileRecordOf(f backend.File) *output.FileRecord {
	return &output.FileRecord{
		Name:     f.Name,
		Size:     f.Size,
		SizeMB:   f.SizeMB,
		Modified: f.Modified,
		Path:     f.Path,
	}
}

func printFileTable(out io.Writer, files []backend.File) error {
	if len(files) == 0 {
		_, _ = fmt.Fprintln(out, "No files found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSIZE (MB)\tMODIFIED")
	for _, f := range files {
		modified := f.Modified
		if modified == "" {
			modified = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%.2f\t%s\n", f.Name, fileSizeMB(f), modified)
	}
	return w.Flush()
}

func fileSizeMB(f backend.File) float64 {
	if f.SizeMB > 0 || f.Size == 0 {
		return f.SizeMB
	}
	return float64(f.Size) / (1024 * 1024)
}
