// Package jobcontrol drives the lifecycle of the operator's current job.
//
// The Controller starts jobs on the backend, follows them over a
// progress.Channel and applies every change to a session.Session. It is
// the only writer of job state. Each job's channel callbacks are bound to
// the job's session generation, so callbacks that arrive after the job
// was cancelled or superseded change nothing.
package jobcontrol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/racklens/pkg/progress"
	"github.com/3leaps/racklens/pkg/resultcache"
	"github.com/3leaps/racklens/pkg/session"
)

// Backend creates and cancels jobs.
type Backend interface {
	StartJob(ctx context.Context, files []string) (string, error)
	CancelJob(ctx context.Context, jobID string) error
}

// History persists job snapshots. Implementations must be safe for
// concurrent use.
type History interface {
	Save(job session.Job) error
}

// Options configures a Controller. Backend, Source and Cache are required.
type Options struct {
	Backend Backend
	Source  progress.Source
	Cache   *resultcache.Cache

	// Session defaults to a new session.
	Session *session.Session

	// Progress defaults to progress.DefaultConfig().
	Progress *progress.Config

	// History is optional.
	History History

	Logger *zap.Logger
}

// Controller owns the current job.
type Controller struct {
	backend  Backend
	source   progress.Source
	cache    *resultcache.Cache
	session  *session.Session
	progress progress.Config
	history  History
	log      *zap.Logger

	// mu serializes job transitions that also touch the channel.
	mu      sync.Mutex
	channel *progress.Channel

	subMu   sync.Mutex
	subs    map[int]chan session.Job
	nextSub int
	changed chan struct{}
}

// New returns a Controller.
func New(opts Options) (*Controller, error) {
	if opts.Backend == nil {
		return nil, errors.New("jobcontrol: backend is required")
	}
	if opts.Source == nil {
		return nil, errors.New("jobcontrol: progress source is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("jobcontrol: result cache is required")
	}
	c := &Controller{
		backend:  opts.Backend,
		source:   opts.Source,
		cache:    opts.Cache,
		session:  opts.Session,
		progress: progress.DefaultConfig(),
		history:  opts.History,
		log:      opts.Logger,
		subs:     make(map[int]chan session.Job),
		changed:  make(chan struct{}),
	}
	if opts.Progress != nil {
		c.progress = *opts.Progress
	}
	if c.session == nil {
		c.session = session.New()
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	return c, nil
}

// Session returns the session the controller writes to.
func (c *Controller) Session() *session.Session {
	return c.session
}

// Start creates a job for files and begins following its progress.
//
// The previous job, if any, is superseded: its channel is closed and its
// cached results are purged. Start returns once the backend has answered,
// with the job in status running, or failed with a *JobStartError. It
// returns a *ValidationError without contacting the backend if files is
// empty or contains a blank entry.
func (c *Controller) Start(ctx context.Context, files []string) (session.Job, error) {
	files, err := normalizeFiles(files)
	if err != nil {
		return session.Job{Status: session.StatusIdle}, err
	}

	c.mu.Lock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	job := c.session.Begin(files)
	c.cache.Purge("")
	c.cache.SetCurrentJob("")
	c.mu.Unlock()
	gen := job.Generation

	c.log.Info("Starting job", zap.Int("files", len(files)), zap.Uint64("generation", gen))
	c.publish()

	id, err := c.backend.StartJob(ctx, files)
	if err != nil {
		startErr := newJobStartError(err)
		c.session.Advance(gen, session.StatusFailed, startErr.Error(), startErr)
		c.log.Warn("Job start failed", zap.Error(err))
		c.publish()
		c.save(gen)
		return c.snapshotOf(gen, job), startErr
	}

	c.mu.Lock()
	if !c.session.Bind(gen, id) {
		superseded := !c.session.IsCurrent(gen)
		c.mu.Unlock()
		c.log.Info("Job finished starting after it was replaced",
			zap.String("job_id", id),
			zap.Bool("superseded", superseded))
		if superseded {
			return job, ErrSuperseded
		}
		return c.snapshotOf(gen, job), ErrCancelled
	}
	c.cache.SetCurrentJob(id)
	ch := progress.New(id, c.source, c.progress, c.handlerFor(gen, id), c.log)
	c.channel = ch
	ch.Open(context.WithoutCancel(ctx))
	c.mu.Unlock()

	c.log.Info("Job started", zap.String("job_id", id))
	c.publish()
	c.save(gen)
	return c.snapshotOf(gen, job), nil
}

// CurrentJob returns the current job, or false when there is none.
func (c *Controller) CurrentJob() (session.Job, bool) {
	return c.session.Current()
}

// LastError returns the most recent fatal error of the current job.
func (c *Controller) LastError() error {
	return c.session.LastError()
}

// Cancel stops following the current job. The backend job is left
// running. Unless a terminal status was already reached, the job becomes
// failed with reason "cancelled".
func (c *Controller) Cancel() {
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	job, ok := c.session.Current()
	changed := false
	if ok {
		changed = c.session.Advance(job.Generation, session.StatusFailed, "cancelled", ErrCancelled)
	}
	if ch != nil {
		ch.Close()
	}
	c.mu.Unlock()

	if changed {
		c.log.Info("Job cancelled", zap.String("job_id", job.ID))
		c.publish()
		c.save(job.Generation)
	}
}

// Abort asks the backend to stop the current job and then cancels it
// locally. The local cancel happens even if the backend request fails.
func (c *Controller) Abort(ctx context.Context) error {
	job, ok := c.session.Current()
	if !ok {
		return ErrNoJob
	}
	var err error
	if job.ID != "" && !job.Status.Terminal() {
		if err = c.backend.CancelJob(ctx, job.ID); err != nil {
			err = fmt.Errorf("cancel job %s on backend: %w", job.ID, err)
		}
	}
	c.Cancel()
	return err
}

// Wait blocks until the current job is terminal or ctx ends. It returns
// the final snapshot and, for a failed job, its failure cause.
func (c *Controller) Wait(ctx context.Context) (session.Job, error) {
	for {
		c.subMu.Lock()
		changed := c.changed
		c.subMu.Unlock()

		job, ok := c.session.Current()
		if !ok {
			return job, ErrNoJob
		}
		if job.Status.Terminal() {
			if job.Status == session.StatusFailed {
				return job, c.failureCause(job)
			}
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-changed:
		}
	}
}

// Subscribe returns a channel that receives a job snapshot after every
// change, and a function that ends the subscription. Delivery never
// blocks the controller: a subscriber that falls behind misses snapshots
// and should read CurrentJob for the authoritative state.
func (c *Controller) Subscribe() (<-chan session.Job, func()) {
	ch := make(chan session.Job, 16)
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
			close(ch)
		})
	}
}

func (c *Controller) handlerFor(gen uint64, jobID string) progress.Handler {
	log := c.log.With(zap.String("job_id", jobID))
	return progress.Handler{
		OnEvent: func(ev progress.Event) {
			if !c.session.Observe(gen, ev.Progress()) {
				return
			}
			if ev.Status.Terminal() {
				reason, cause := "", error(nil)
				if ev.Status == session.StatusFailed {
					reason = failureReason(ev)
					cause = fmt.Errorf("%w: %s", ErrJobFailed, reason)
				}
				if c.session.Advance(gen, ev.Status, reason, cause) {
					log.Info("Job finished", zap.String("status", string(ev.Status)), zap.String("reason", reason))
					c.save(gen)
				}
			}
			c.publish()
		},
		OnConnectionLost: func(attempt int, err error) {
			if !c.session.IsCurrent(gen) {
				return
			}
			c.session.NoteReconnect(gen)
			log.Warn("Progress connection lost, reconnecting", zap.Int("attempt", attempt), zap.Error(err))
			c.publish()
		},
		OnClosed: func(err error) {
			c.mu.Lock()
			if c.channel != nil && c.channel.JobID() == jobID && c.session.IsCurrent(gen) {
				c.channel = nil
			}
			c.mu.Unlock()
			if err == nil {
				return
			}
			if c.session.Advance(gen, session.StatusFailed, err.Error(), err) {
				log.Error("Job failed", zap.Error(err))
				c.save(gen)
				c.publish()
			}
		},
	}
}

func (c *Controller) failureCause(job session.Job) error {
	if err := c.session.LastError(); err != nil {
		return err
	}
	if job.Reason != "" {
		return fmt.Errorf("%w: %s", ErrJobFailed, job.Reason)
	}
	return ErrJobFailed
}

// snapshotOf returns the session's job for gen, or fallback if gen was
// superseded.
func (c *Controller) snapshotOf(gen uint64, fallback session.Job) session.Job {
	if job, ok := c.session.Current(); ok && job.Generation == gen {
		return job
	}
	return fallback
}

func (c *Controller) publish() {
	job, _ := c.session.Current()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	close(c.changed)
	c.changed = make(chan struct{})
	for _, ch := range c.subs {
		select {
		case ch <- job:
		default:
		}
	}
}

func (c *Controller) save(gen uint64) {
	if c.history == nil {
		return
	}
	job, ok := c.session.Current()
	if !ok || job.Generation != gen {
		return
	}
	if err := c.history.Save(job); err != nil {
		c.log.Warn("Failed to record job history", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func failureReason(ev progress.Event) string {
	switch {
	case ev.Error != "":
		return ev.Error
	case ev.Detail != "":
		return ev.Detail
	case ev.RawStatus != "":
		return "backend reported " + ev.RawStatus
	default:
		return "backend reported failure"
	}
}

func normalizeFiles(files []string) ([]string, error) {
	if len(files) == 0 {
		return nil, &ValidationError{Field: "files", Reason: "at least one file is required"}
	}
	out := make([]string, 0, len(files))
	seen := make(map[string]bool, len(files))
	for i, f := range files {
		f = strings.TrimSpace(f)
		if f == "" {
			return nil, &ValidationError{Field: "files", Reason: fmt.Sprintf("entry %d is blank", i)}
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out, nil
}
