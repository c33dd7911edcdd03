package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/racklens/internal/config"
	"github.com/3leaps/racklens/internal/observability"
	"github.com/3leaps/racklens/pkg/backend"
	"github.com/3leaps/racklens/pkg/jobcontrol"
	"github.com/3leaps/racklens/pkg/jobregistry"
	"github.com/3leaps/racklens/pkg/progress"
	"github.com/3leaps/racklens/pkg/resultcache"
	"github.com/3leaps/racklens/pkg/results"
)

// clientDeps is the client stack shared by the commands.
type clientDeps struct {
	cfg      *config.Config
	backend  *backend.Client
	cache    *resultcache.Cache
	results  *results.Client
	registry *jobregistry.Store
	log      *zap.Logger
}

func newClientDeps(cfg *config.Config) (*clientDeps, error) {
	if cfg == nil {
		return nil, exitError(ExitFailure, "Configuration not loaded", errors.New("config.Load was not called"))
	}
	log := observability.CLILogger

	b, err := backend.New(backend.Config{
		BaseURL: cfg.Backend.BaseURL,
		Timeout: cfg.Backend.RequestTimeout,
		Logger:  log.Named("backend"),
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid backend URL", err)
	}

	cache := resultcache.New()
	return &clientDeps{
		cfg:      cfg,
		backend:  b,
		cache:    cache,
		results:  results.New(b, cache, log.Named("results")),
		registry: jobregistry.NewStore(cfg.Registry.Dir).WithBackendURL(b.BaseURL().String()),
		log:      log,
	}, nil
}

// loadClientDeps builds the client stack from the loaded configuration.
func loadClientDeps() (*clientDeps, error) {
	return newClientDeps(config.GetConfig())
}

func (d *clientDeps) backendAddr() string {
	return d.backend.BaseURL().String()
}

func (d *clientDeps) progressSource() (progress.Source, error) {
	if d.cfg.Progress.Transport == config.TransportPoll {
		return progress.NewPollSource(d.backend, d.cfg.Progress.PollInterval), nil
	}
	src, err := progress.NewWebSocketSource(d.backendAddr())
	if err != nil {
		return nil, err
	}
	return src, nil
}

func (d *clientDeps) progressConfig() *progress.Config {
	return &progress.Config{
		MaxReconnectAttempts: d.cfg.Progress.MaxReconnectAttempts,
		InitialInterval:      d.cfg.Progress.ReconnectInitialInterval,
		MaxInterval:          d.cfg.Progress.ReconnectMaxInterval,
	}
}

func (d *clientDeps) controller() (*jobcontrol.Controller, error) {
	src, err := d.progressSource()
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid progress transport", err)
	}
	ctrl, err := jobcontrol.New(jobcontrol.Options{
		Backend:  d.backend,
		Source:   src,
		Cache:    d.cache,
		Progress: d.progressConfig(),
		History:  d.registry,
		Logger:   d.log.Named("job"),
	})
	if err != nil {
		return nil, exitError(ExitFailure, "Failed to create job controller", err)
	}
	return ctrl, nil
}

// resolveJobID maps a job argument to a backend job id. Recorded ids and
// unambiguous prefixes resolve through the registry. Anything else is
// passed through so jobs started elsewhere can still be inspected.
func (d *clientDeps) resolveJobID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", exitError(foundry.ExitInvalidArgument, "Invalid job id", errors.New("job_id is required"))
	}
	id, err := d.registry.Resolve(input)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, jobregistry.ErrNotFound) {
		return input, nil
	}
	d.log.Debug("Job registry lookup failed", zap.String("input", input), zap.Error(err))
	if errors.Is(err, jobregistry.ErrAmbiguousID) {
		return "", exitError(foundry.ExitInvalidArgument, "Ambiguous job id", err)
	}
	return input, nil
}

// checkBackend is the status server's backend health check.
func (d *clientDeps) checkBackend(ctx context.Context) error {
	_, err := d.backend.ListFiles(ctx)
	return err
}
