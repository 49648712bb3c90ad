package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/carecast/internal/audit"
	"github.com/foxzi/carecast/internal/config"
	"github.com/foxzi/carecast/internal/ipfilter"
	"github.com/foxzi/carecast/internal/metrics"
	"github.com/foxzi/carecast/internal/scheduler"
	"github.com/foxzi/carecast/internal/store"
)

// Ticker runs one dispatch pass
type Ticker interface {
	Tick(ctx context.Context) (int, error)
}

// AuditReader reads the audit log and execution history
type AuditReader interface {
	List(ctx context.Context, filter audit.Filter) ([]audit.Entry, int, error)
	GetHistory(ctx context.Context, jobID string) (*audit.History, error)
}

// Deps are the engine components served by the API
type Deps struct {
	Scheduler *scheduler.Scheduler
	Ticker    Ticker
	Store     store.Store
	Audit     AuditReader
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	actors     *actorKeys
	filter     *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
	extra      []RouteRegistrar
}

// RouteRegistrar mounts additional routes under /api/v1
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger, extra ...RouteRegistrar) *Server {
	logger = logger.With("component", "api")
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		actors:    newActorKeys(cfg.Actors),
		filter:    ipfilter.New(cfg.AllowedIPs, logger),
		logger:    logger,
		startTime: time.Now(),
		extra:     extra,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.filter.HTTPMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSchedule)
			r.Get("/", s.handleListJobs)
			r.Post("/estimate", s.handleEstimate)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/stop", s.handleStopJob)
			r.Delete("/{id}/tasks/{taskID}", s.handleRemoveTask)
		})

		r.Get("/archive", s.handleListArchive)
		r.Get("/archive/{id}", s.handleGetArchived)

		r.Post("/dispatch/tick", s.handleTick)

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", s.handleCreateAccount)
			r.Get("/", s.handleListAccounts)
			r.Get("/{id}", s.handleGetAccount)
			r.Put("/{id}/limits", s.handleUpdateLimits)
		})

		r.Get("/recipients/{id}", s.handleGetRecipient)

		r.Get("/audit", s.handleAudit)
		r.Get("/history/{jobID}", s.handleHistory)

		for _, reg := range s.extra {
			reg.RegisterRoutes(r)
		}
	})
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr, "actors", s.actors.len())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
