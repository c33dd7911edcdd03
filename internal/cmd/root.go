// Package cmd implements the racklens command line.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/racklens/internal/config"
	"github.com/3leaps/racklens/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile       string
	backendURL    string
	logLevel      string
	logFormat     string
	verbose       bool
	transportFlag string
)

var rootCmd = &cobra.Command{
	Use:   "racklens",
	Short: "Run and inspect battery-rack analysis jobs",
	Long: `racklens starts analysis jobs on a battery-analysis backend, follows
their progress live and fetches results for the whole site, a rack, or a
single cell.

Machine-readable output is JSONL on stdout. Logs go to stderr.

Examples:
  racklens files --match '**/*.csv'
  racklens start rack1.csv rack2.csv
  racklens overview <job_id> --racks 1,2
  racklens cell <job_id> 1 3 7 --format heat`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ./racklens.yaml or $XDG_CONFIG_HOME/racklens/racklens.yaml)")
	pf.StringVar(&backendURL, "backend", "", "Backend base URL (overrides backend.base_url)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logFormat, "log-format", "", "Log format: console or json")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Shorthand for --log-level debug")
	pf.StringVar(&transportFlag, "transport", "", "Progress transport: websocket or poll")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "racklens %s (commit %s, built %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	},
}

// SetVersionInfo records build metadata for the version command and the
// status server.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	defer observability.Sync()
	if err == nil {
		return ExitSuccess
	}
	observability.CLILogger.Debug("Command failed", zap.Error(err))
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return exitCodeOf(err)
}

func initConfig(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)
	cfg, err := config.Load(cmd.Context(), flagOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := observability.ConfigureCLILogger("", level, cfg.Logging.Format); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}

	observability.CLILogger.Debug("Configuration loaded",
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("transport", cfg.Progress.Transport),
		zap.String("registry", cfg.Registry.Dir))
	return nil
}

// flagOverrides returns the explicitly set global flags as a config
// override map.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := make(map[string]any)
	set := func(flag, section, key, value string) {
		if !cmd.Flags().Changed(flag) {
			return
		}
		sec, ok := out[section].(map[string]any)
		if !ok {
			sec = make(map[string]any)
			out[section] = sec
		}
		sec[key] = value
	}
	set("backend", "backend", "base_url", backendURL)
	set("log-level", "logging", "level", logLevel)
	set("log-format", "logging", "format", logFormat)
	set("transport", "progress", "transport", transportFlag)
	return out
}
