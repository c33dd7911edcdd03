package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/racklens/internal/config"
	"github.com/3leaps/racklens/internal/observability"
	"github.com/3leaps/racklens/pkg/progress"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks against the configured backend and local setup.

Examples:
  racklens doctor
  racklens doctor --backend http://10.0.0.5:8001`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck returns a short result description, or an error.
type doctorCheck struct {
	name string
	run  func(ctx context.Context, deps *clientDeps) (string, error)
}

var doctorChecks = []doctorCheck{
	{"Go runtime", func(context.Context, *clientDeps) (string, error) {
		return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
	}},
	{"Crucible access", checkCrucible},
	{"backend reachability", checkBackendFiles},
	{"progress transport", checkProgressTransport},
	{"job registry", checkRegistryWritable},
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	deps, err := loadClientDeps()
	if err != nil {
		return err
	}
	log := observability.CLILogger

	log.Info("=== racklens doctor ===")
	log.Info("Running diagnostic checks...", zap.String("backend", deps.backendAddr()))

	failed := 0
	total := len(doctorChecks)
	for i, c := range doctorChecks {
		result, err := c.run(cmd.Context(), deps)
		if err != nil {
			failed++
			log.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %v", i+1, total, c.name, err))
			continue
		}
		log.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", i+1, total, c.name, result))
	}

	if failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d of %d checks failed", failed, total))
	}
	log.Info("✅ All checks passed!")
	return nil
}

func checkCrucible(context.Context, *clientDeps) (string, error) {
	version := crucible.GetVersion()
	if version.Crucible == "" {
		return "", errors.New("cannot access Crucible")
	}
	return fmt.Sprintf("crucible v%s, gofulmen v%s", version.Crucible, version.Gofulmen), nil
}

func checkBackendFiles(ctx context.Context, deps *clientDeps) (string, error) {
	files, err := deps.backend.ListFiles(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s lists %d files", deps.backendAddr(), len(files)), nil
}

func checkProgressTransport(_ context.Context, deps *clientDeps) (string, error) {
	if deps.cfg.Progress.Transport == config.TransportPoll {
		return fmt.Sprintf("poll every %s", deps.cfg.Progress.PollInterval), nil
	}
	src, err := progress.NewWebSocketSource(deps.backendAddr())
	if err != nil {
		return "", err
	}
	return "websocket " + src.URL("JOB_ID", progress.NoSequence), nil
}

func checkRegistryWritable(_ context.Context, deps *clientDeps) (string, error) {
	dir := deps.registry.RootDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return "", fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return filepath.Clean(dir), nil
}
