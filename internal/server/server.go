// Package server exposes the live job session over HTTP for inspection.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/racklens/internal/errors"
	"github.com/3leaps/racklens/internal/server/handlers"
	"github.com/3leaps/racklens/internal/server/middleware"
)

const shutdownTimeout = 5 * time.Second

// Server is the status server.
type Server struct {
	host   string
	port   int
	router chi.Router

	jobs     handlers.JobSource
	health   *handlers.HealthManager
	checkers map[string]handlers.Checker
	version  handlers.VersionInfo
	log      *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithJobSource serves src under /job.
func WithJobSource(src handlers.JobSource) Option {
	return func(s *Server) { s.jobs = src }
}

// WithVersion sets the /version body and the version reported by /health.
func WithVersion(info handlers.VersionInfo) Option {
	return func(s *Server) { s.version = info }
}

// WithHealthChecker registers a named check for /health and /health/ready.
func WithHealthChecker(name string, c handlers.Checker) Option {
	return func(s *Server) { s.checkers[name] = c }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New builds a server bound to host:port. Port 0 picks a free port when
// the server starts.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:     host,
		port:     port,
		checkers: make(map[string]handlers.Checker),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.health = handlers.NewHealthManager(s.version.Version)
	for name, c := range s.checkers {
		s.health.RegisterChecker(name, c)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(s.log))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewHTTPError(http.StatusNotFound,
			apperrors.CodeNotFound, "no route for "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewHTTPError(http.StatusMethodNotAllowed,
			apperrors.CodeMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path))
	})

	r.Get("/health", s.health.HealthHandler)
	r.Get("/health/live", s.health.LivenessHandler)
	r.Get("/health/ready", s.health.ReadinessHandler)
	r.Get("/version", handlers.VersionHandler(s.version))
	r.Get("/job", handlers.JobHandler(s.jobs))
	r.Get("/color", handlers.ColorHandler)

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Listen binds the listen address. The returned listener reports the
// actual port when the configured port is 0.
func (s *Server) Listen() (net.Listener, error) {
	return net.Listen("tcp", s.Addr())
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("status server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
