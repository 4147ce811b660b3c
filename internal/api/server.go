// Package api is the inbound surface for host processes and operators. Hosts
// identify themselves with headers, receive pushes over the /events stream
// and drive form operations through the /forms routes.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/formbroker/internal/broker"
	"github.com/mattjoyce/formbroker/internal/catalog"
	"github.com/mattjoyce/formbroker/internal/form"
)

// QueueDepther reports how many refresh jobs are waiting.
type QueueDepther interface {
	Depth(ctx context.Context) (int, error)
}

// ProviderCatalog is the provider metadata the API lists and edits.
type ProviderCatalog interface {
	Providers() []*catalog.Provider
	Get(bundle string) (*catalog.Provider, bool)
	Remove(bundle string) bool
}

// Config holds API server configuration
type Config struct {
	Listen string
	APIKey string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	broker    *broker.Broker
	catalog   ProviderCatalog
	queue     QueueDepther
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	mu    sync.Mutex
	hosts map[string]form.Caller
}

// New creates a new API server instance. queue may be nil.
func New(config Config, b *broker.Broker, cat ProviderCatalog, queue QueueDepther, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		broker:    b,
		catalog:   cat,
		queue:     queue,
		logger:    logger,
		startedAt: time.Now(),
		hosts:     make(map[string]form.Caller),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /events streams indefinitely
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/events", s.handleEvents)

		r.Post("/hosts", s.handleRegisterHost)
		r.Delete("/hosts/{token}", s.handleHostDied)

		r.Get("/providers", s.handleListProviders)
		r.Delete("/providers/{bundle}", s.handleRemoveProvider)
		r.Post("/providers/{bundle}/reload", s.handleReloadProvider)
		r.Get("/connections", s.handleConnections)

		r.Get("/forms", s.handleListForms)
		r.Post("/forms", s.handleAddForm)
		r.Post("/forms/visibility", s.handleVisibility)
		r.Post("/forms/state", s.handleAcquireState)
		r.Post("/forms/publish", s.handlePublish)
		r.Route("/forms/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetForm)
			r.Delete("/", s.handleDeleteForm)
			r.Post("/release", s.handleReleaseForm)
			r.Post("/refresh", s.handleRefreshForm)
			r.Post("/message", s.handleMessage)
			r.Post("/cast", s.handleCastTemp)
			r.Get("/data", s.handleAcquireData)
			r.Post("/share", s.handleShare)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
