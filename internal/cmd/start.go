package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/racklens/internal/observability"
	"github.com/3leaps/racklens/internal/server"
	"github.com/3leaps/racklens/internal/server/handlers"
	"github.com/3leaps/racklens/pkg/jobcontrol"
	"github.com/3leaps/racklens/pkg/output"
	"github.com/3leaps/racklens/pkg/session"
)

// abortTimeout bounds the backend cancel request sent on interrupt.
const abortTimeout = 10 * time.Second

var startCmd = &cobra.Command{
	Use:   "start [files...]",
	Short: "Start an analysis job and follow its progress",
	Long: `Start an analysis job for the given input files and follow it until it
completes or fails.

Files can be named directly, selected from the backend's file list with
--match, or both. Job and progress records are written to stdout as JSONL.

On interrupt the job stops being followed. The backend keeps running it
unless --abort-on-interrupt is set.

Examples:
  racklens start rack1.csv rack2.csv
  racklens start --match 'site-a/*.csv'
  racklens start rack1.csv --status-addr 127.0.0.1:8090
  racklens start rack1.csv --follow=false`,
	RunE: runStart,
}

var (
	startMatch            []string
	startFollow           bool
	startStatusAddr       string
	startAbortOnInterrupt bool
)

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringArrayVar(&startMatch, "match", nil, "Select backend files by glob pattern (repeatable)")
	startCmd.Flags().BoolVar(&startFollow, "follow", true, "Follow progress until the job finishes")
	startCmd.Flags().StringVar(&startStatusAddr, "status-addr", "", "Serve job status over HTTP on host:port while following")
	startCmd.Flags().BoolVar(&startAbortOnInterrupt, "abort-on-interrupt", false, "Cancel the backend job on interrupt")
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	deps, err := loadClientDeps()
	if err != nil {
		return err
	}

	files, err := selectStartFiles(ctx, deps, args, startMatch)
	if err != nil {
		return err
	}

	ctrl, err := deps.controller()
	if err != nil {
		return err
	}

	out := output.NewJSONLWriter(cmd.OutOrStdout(), "", deps.backendAddr())
	defer func() { _ = out.Close() }()

	if startFollow {
		stopServer, err := startStatusServer(ctx, deps, ctrl)
		if err != nil {
			return err
		}
		defer stopServer()
	}

	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	job, err := ctrl.Start(ctx, files)
	if err != nil {
		observability.CLILogger.Error("Failed to start job", zap.Strings("files", files), zap.Error(err))
		_ = out.WriteError(context.WithoutCancel(ctx), errorRecordOf(err, ""))
		return classifiedError("Failed to start job", err)
	}

	out.SetJobID(job.ID)
	if err := out.WriteJob(ctx, jobRecordOf(job)); err != nil {
		observability.CLILogger.Warn("Failed to write job record", zap.Error(err))
	}
	observability.CLILogger.Info("Job started",
		zap.String("job_id", job.ID),
		zap.Int("files", len(job.Files)))

	if !startFollow {
		return nil
	}
	return followJob(ctx, ctrl, out, updates, job.ID)
}

// selectStartFiles combines the named files with the backend files that
// match any pattern.
func selectStartFiles(ctx context.Context, deps *clientDeps, named, patterns []string) ([]string, error) {
	files := append([]string(nil), named...)
	if len(patterns) > 0 {
		available, err := deps.backend.ListFiles(ctx)
		if err != nil {
			return nil, classifiedError("Failed to list files", err)
		}
		matched, err := filterFiles(available, patterns)
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid --match pattern", err)
		}
		if len(matched) == 0 {
			return nil, exitError(foundry.ExitInvalidArgument, "No files matched", fmt.Errorf("patterns %v matched none of %d files", patterns, len(available)))
		}
		for _, f := range matched {
			files = append(files, f.Name)
		}
	}
	if len(files) == 0 {
		return nil, exitError(foundry.ExitInvalidArgument, "No input files", errors.New("name files as arguments or select them with --match"))
	}
	return files, nil
}

// startStatusServer serves the controller's job when --status-addr or
// server.port is set. The returned func stops the server.
func startStatusServer(ctx context.Context, deps *clientDeps, ctrl *jobcontrol.Controller) (func(), error) {
	host, port := deps.cfg.Server.Host, deps.cfg.Server.Port
	if startStatusAddr != "" {
		h, p, err := net.SplitHostPort(startStatusAddr)
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid --status-addr", err)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 65535 {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid --status-addr", fmt.Errorf("port %q out of range", p))
		}
		host, port = h, n
	} else if port == 0 {
		return func() {}, nil
	}

	srv := server.New(host, port,
		server.WithJobSource(ctrl),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithHealthChecker("backend", handlers.CheckerFunc(deps.checkBackend)),
		server.WithLogger(observability.CLILogger.Named("status")),
	)
	ln, err := srv.Listen()
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to bind status server", err)
	}

	srvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(srvCtx, ln); err != nil {
			observability.CLILogger.Warn("Status server stopped", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}

type waitResult struct {
	job session.Job
	err error
}

// followJob writes a progress record for every new progress sequence of
// jobID until the job is terminal, then the final job and summary records.
// Interrupting ctx cancels the job locally, or aborts it on the backend
// with --abort-on-interrupt.
func followJob(ctx context.Context, ctrl *jobcontrol.Controller, out *output.JSONLWriter, updates <-chan session.Job, jobID string) error {
	writeCtx := context.WithoutCancel(ctx)

	done := make(chan waitResult, 1)
	go func() {
		job, err := ctrl.Wait(writeCtx)
		done <- waitResult{job: job, err: err}
	}()

	var lastSeq int64
	emitted := false
	emit := func(job session.Job) {
		if job.ID != jobID || job.Progress == nil || (emitted && job.Progress.Sequence <= lastSeq) {
			return
		}
		lastSeq, emitted = job.Progress.Sequence, true
		if err := out.WriteProgress(writeCtx, progressRecordOf(job)); err != nil {
			observability.CLILogger.Warn("Failed to write progress record", zap.Error(err))
		}
	}

	interrupt := ctx.Done()
	for {
		select {
		case job, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			emit(job)
		case <-interrupt:
			interrupt = nil
			interruptJob(writeCtx, ctrl, jobID)
		case res := <-done:
		drain:
			for {
				select {
				case job, ok := <-updates:
					if !ok {
						break drain
					}
					emit(job)
				default:
					break drain
				}
			}
			emit(res.job)
			return finishJob(writeCtx, out, res, lastSeq)
		}
	}
}

func interruptJob(ctx context.Context, ctrl *jobcontrol.Controller, jobID string) {
	if !startAbortOnInterrupt {
		observability.CLILogger.Warn("Interrupted, no longer following job (backend job keeps running)",
			zap.String("job_id", jobID))
		ctrl.Cancel()
		return
	}

	observability.CLILogger.Warn("Interrupted, aborting job", zap.String("job_id", jobID))
	abortCtx, cancel := context.WithTimeout(ctx, abortTimeout)
	defer cancel()
	if err := ctrl.Abort(abortCtx); err != nil {
		observability.CLILogger.Error("Failed to abort job on backend", zap.String("job_id", jobID), zap.Error(err))
	}
}

func finishJob(ctx context.Context, out *output.JSONLWriter, res waitResult, lastSeq int64) error {
	job := res.job
	if err := out.WriteJob(ctx, jobRecordOf(job)); err != nil {
		observability.CLILogger.Warn("Failed to write job record", zap.Error(err))
	}
	if res.err != nil {
		_ = out.WriteError(ctx, errorRecordOf(res.err, ""))
	}

	var elapsed time.Duration
	if job.FinishedAt != nil && !job.StartedAt.IsZero() {
		elapsed = job.FinishedAt.Sub(job.StartedAt)
	}
	summary := &output.SummaryRecord{
		Status:          string(job.Status),
		LastSequence:    lastSeq,
		ProgressRecords: out.Count(output.TypeProgress),
		Reconnects:      job.Reconnects,
		Duration:        elapsed,
		DurationHuman:   elapsed.Round(time.Millisecond).String(),
		Reason:          job.Reason,
	}
	if err := out.WriteSummary(ctx, summary); err != nil {
		observability.CLILogger.Warn("Failed to write summary record", zap.Error(err))
	}

	if res.err != nil {
		observability.CLILogger.Error("Job did not complete",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
			zap.Error(res.err))
		return classifiedError("Job did not complete", res.err)
	}
	observability.CLILogger.Info("Job completed",
		zap.String("job_id", job.ID),
		zap.Int64("last_sequence", lastSeq),
		zap.Int("reconnects", job.Reconnects),
		zap.Duration("duration", elapsed))
	return nil
}

func jobRecordOf(job session.Job) *output.JobRecord {
	return &output.JobRecord{
		Status:     string(job.Status),
		Files:      job.Files,
		StartedAt:  job.StartedAt,
		FinishedAt: job.FinishedAt,
		Reason:     job.Reason,
		Reconnects: job.Reconnects,
	}
}

func progressRecordOf(job session.Job) *output.ProgressRecord {
	rec := &output.ProgressRecord{Status: string(job.Status)}
	if p := job.Progress; p != nil {
		rec.Sequence = p.Sequence
		rec.Stage = p.Stage
		rec.Percent = p.Percent
		rec.Detail = p.Detail
	}
	return rec
}
