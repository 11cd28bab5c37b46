// Package api is the control plane's HTTP surface: worker registration,
// deployment lifecycle, queue limits, environment variables, health, and
// metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mbekkel/taskmill/internal/admission"
	"github.com/mbekkel/taskmill/internal/registry"
	"github.com/mbekkel/taskmill/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Indexer kicks off remote indexing of a deployment's image. The coordinator
// implements it server-side; the API only triggers it.
type Indexer interface {
	StartIndexing(ctx context.Context, deploymentID, imageRef string) error
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router    *chi.Mux
	store     store.Store
	registry  *registry.Registry
	admission *admission.Controller
	indexer   Indexer
	runs      RunStarter
	logger    *slog.Logger
	addr      string
	// imageRepo is the registry prefix for content-addressed image tags.
	imageRepo string
}

// NewServer creates and configures a new HTTP server. indexer may be nil, in
// which case start-indexing only records state and the worker side is
// expected to call finalize on its own. runs may be nil, in which case
// POST /v1/runs answers 503.
func NewServer(addr, imageRepo string, s store.Store, reg *registry.Registry, adm *admission.Controller, indexer Indexer, runs RunStarter, logger *slog.Logger) *Server {
	srv := &Server{
		router:    chi.NewRouter(),
		store:     s,
		registry:  reg,
		admission: adm,
		indexer:   indexer,
		runs:      runs,
		logger:    logger,
		addr:      addr,
		imageRepo: imageRepo,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Post("/v1/workers", s.handleRegisterWorker)
	s.router.Post("/v1/runs", s.handleStartRun)

	s.router.Route("/v1/deployments", func(r chi.Router) {
		r.Post("/", s.handleCreateDeployment)
		r.Get("/{id}", s.handleGetDeployment)
		r.Post("/{id}/start-build", s.handleStartBuild)
		r.Post("/{id}/start-indexing", s.handleStartIndexing)
		r.Post("/{id}/finalize", s.handleFinalizeDeployment)
	})

	s.router.Route("/v1/queues", func(r chi.Router) {
		r.Get("/", s.handleListQueues)
		r.Post("/", s.handleUpsertQueue)
	})

	s.router.Route("/v1/env-vars", func(r chi.Router) {
		r.Get("/", s.handleListEnvVars)
		r.Post("/", s.handleSetEnvVar)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
