package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gatedial/gatedial/internal/api/middleware"
	"github.com/gatedial/gatedial/internal/config"
	"github.com/gatedial/gatedial/internal/sipcall"
	"github.com/gatedial/gatedial/internal/store"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router     *chi.Mux
	controller *sipcall.Controller
	attempts   *store.AttemptRepo
	cfg        *config.Config
	jwtSecret  []byte
	metrics    http.Handler
	logger     *slog.Logger

	limiter        *middleware.IPRateLimiter
	triggerLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted. metrics is
// the Prometheus scrape handler; pass nil to disable the endpoint.
func NewServer(controller *sipcall.Controller, attempts *store.AttemptRepo, cfg *config.Config, jwtSecret []byte, metrics http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		controller:     controller,
		attempts:       attempts,
		cfg:            cfg,
		jwtSecret:      jwtSecret,
		metrics:        metrics,
		logger:         logger.With("subsystem", "api"),
		limiter:        middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		triggerLimiter: middleware.NewIPRateLimiter(middleware.TriggerRateLimitConfig()),
	}

	if cfg.APIPasswordHash == "" {
		s.logger.Warn("no api password hash configured, the http api is unauthenticated")
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter cleanup goroutines.
func (s *Server) Close() {
	s.limiter.Stop()
	s.triggerLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.RateLimit(s.limiter))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.With(middleware.RateLimit(s.triggerLimiter)).
			Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			if s.cfg.APIPasswordHash != "" {
				r.Use(middleware.RequireAuth(s.jwtSecret))
			}

			r.With(middleware.RateLimit(s.triggerLimiter)).
				Post("/gate/trigger", s.handleTrigger)
			r.Get("/gate/status", s.handleStatus)
			r.Get("/gate/history", s.handleHistory)
			r.Post("/gate/test", s.handleTest)
		})
	})
}
