// Package server is the ops HTTP surface: health, metrics, a manual
// alert-trigger endpoint, and per-source inbound webhook ingestion. This
// domain has no CRUD surface to expose.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/metrics"
)

// AlertTrigger is the narrow surface the manual-trigger endpoint drives.
// Satisfied directly by *scheduler.AlertScheduler, or by anything exposing
// a per-alert scan-and-dispatch operation.
type AlertTrigger interface {
	TriggerAlert(ctx context.Context, alertID string) error
}

// WebhookAcceptor is the narrow ingestion.WebhookWorker surface the push
// ingestion route drives for one source.
type WebhookAcceptor interface {
	Accept(ctx context.Context, eventID string, fields map[string]any) error
}

// Config holds the ops server's dependencies.
type Config struct {
	Log          zerolog.Logger
	Port         int
	DevMode      bool
	AlertTrigger AlertTrigger
	// Webhooks maps a source name (e.g. "stockx") to the worker that
	// accepts its inbound push events at POST /api/ingest/{source}/webhook.
	Webhooks map[string]WebhookAcceptor
}

// Server is the ops HTTP server: /healthz, /metrics, a manual alert
// trigger, and per-source inbound webhook ingestion.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	alerts   AlertTrigger
	webhooks map[string]WebhookAcceptor
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		alerts:   cfg.AlertTrigger,
		webhooks: cfg.Webhooks,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/alerts/{alertID}/trigger", s.handleTriggerAlert)
		r.Post("/ingest/{source}/webhook", s.handleIngestWebhook)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Msg("request")
	})
}

// Start serves until the process is asked to stop; callers shut down via
// Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("ops server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
