// Package server is the agent's local status server: health probes,
// version, read-only job views, a live job stream and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/parsekit/internal/errors"
	"github.com/3leaps/parsekit/internal/server/handlers"
	"github.com/3leaps/parsekit/internal/server/middleware"
	"github.com/3leaps/parsekit/pkg/jobstore"
	"github.com/3leaps/parsekit/pkg/metrics"
)

// Default HTTP timeouts.
const (
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	DefaultIdleTimeout  = 120 * time.Second
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithJobs registers the /jobs endpoints backed by store. A non-nil
// observer also enables /jobs/stream.
func WithJobs(store jobstore.Store, observer handlers.Observer) Option {
	return func(s *Server) {
		s.jobs = handlers.NewJobs(store, observer)
	}
}

// WithMetrics mounts the Prometheus handler on /metrics.
func WithMetrics(enabled bool) Option {
	return func(s *Server) {
		s.metrics = enabled
	}
}

// WithHealthManager serves health probes from m instead of the
// process-wide manager.
func WithHealthManager(m *handlers.HealthManager) Option {
	return func(s *Server) {
		s.health = m
	}
}

// WithTimeouts overrides the HTTP server timeouts. Zero values keep the
// defaults.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

// Server is the status HTTP server.
type Server struct {
	host   string
	port   int
	router *chi.Mux
	logger *zap.Logger

	jobs    *handlers.Jobs
	metrics bool
	health  *handlers.HealthManager

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	httpServer *http.Server
	cancelBase context.CancelFunc
}

// New builds a server listening on host:port once started.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
		idleTimeout:  DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()

	// Request contexts end on Shutdown so open streams return.
	baseCtx, cancel := context.WithCancel(context.Background())
	s.cancelBase = cancel
	s.httpServer = &http.Server{
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewNotFoundError(fmt.Sprintf("no route for %s", req.URL.Path)))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewMethodNotAllowedError(fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path)))
	})

	if s.health != nil {
		r.Get("/health", s.health.HealthHandler)
		r.Get("/health/live", s.health.LivenessHandler)
		r.Get("/health/ready", s.health.ReadinessHandler)
		r.Get("/health/startup", s.health.StartupHandler)
	} else {
		r.Get("/health", handlers.HealthHandler)
		r.Get("/health/live", handlers.LivenessHandler)
		r.Get("/health/ready", handlers.ReadinessHandler)
		r.Get("/health/startup", handlers.StartupHandler)
	}
	r.Get("/version", handlers.VersionHandler)

	if s.jobs != nil {
		s.jobs.Routes(r)
	}
	if s.metrics {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Status server listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	return s.httpServer.Shutdown(ctx)
}
