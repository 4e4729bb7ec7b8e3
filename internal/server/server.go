package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/etlorch/internal/config"
	"github.com/me/etlorch/internal/controller"
	"github.com/me/etlorch/internal/metrics"
	"github.com/me/etlorch/internal/registry"
)

// Server is the controller's ops HTTP surface: health, Prometheus metrics
// and the state of every pipeline loop.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	registry  registry.Registry
	tracker   *controller.Tracker
	metrics   *metrics.Metrics
}

// New creates a Server with all routes registered. reg may be nil, in which
// case pipeline detail is served from loop snapshots only.
func New(cfg config.ServerConfig, reg registry.Registry, tracker *controller.Tracker, m *metrics.Metrics, logger *slog.Logger) *Server {
	if tracker == nil {
		tracker = controller.NewTracker()
	}
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		registry:  reg,
		tracker:   tracker,
		metrics:   m,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.config.Addr)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)
		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/", s.handleListPipelines)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetPipeline)
				r.Get("/runs", s.handleListRuns)
			})
		})
	})
}
