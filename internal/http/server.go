// Package http exposes the diary as a JSON API with a live SSE stream.
package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"booklog/internal/auth"
	"booklog/internal/catalog"
	applog "booklog/internal/log"
	"booklog/internal/middleware/ratelimit"
	"booklog/internal/middleware/security"
	"booklog/internal/middleware/trace"
	"booklog/internal/services"
)

// Config tunes the HTTP surface. Zero values fall back to defaults.
type Config struct {
	Addr            string
	CORSOrigins     []string
	RateLimit       ratelimit.Config
	MaxBodyBytes    int64
	BlockSuspicious bool
	Heartbeat       time.Duration
}

type Server struct {
	http.Server

	diary    *services.DiaryService
	catalog  catalog.Searcher
	auth     *auth.Authenticator
	limiter  *ratelimit.Limiter
	detector *security.Detector
	tracer   *trace.Middleware
	validate *requestValidator
	logger   *applog.Logger

	heartbeat    time.Duration
	shutdownOnce sync.Once
}

// NewServer wires routes and middleware, returning a ready-to-run server.
func NewServer(cfg Config, diary *services.DiaryService, searcher catalog.Searcher, authn *auth.Authenticator, logger *applog.Logger) *Server {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	logger = logger.WithComponent(applog.ComponentHTTP)
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = maxImportBytes + 1<<20
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}

	detector := security.NewDetector()
	s := &Server{
		diary:     diary,
		catalog:   searcher,
		auth:      authn,
		limiter:   ratelimit.NewLimiter(cfg.RateLimit),
		detector:  detector,
		tracer:    trace.NewMiddleware(detector.ExtractClientIP, logger),
		validate:  newValidator(),
		logger:    logger,
		heartbeat: cfg.Heartbeat,
	}
	s.Server = http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(cfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// no WriteTimeout: the SSE stream manages its own deadlines
		IdleTimeout: 120 * time.Second,
	}
	return s
}

func (s *Server) routes(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(s.tracer.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware)
	r.Use(s.detector.Middleware(cfg.BlockSuspicious))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", auth.DevUserHeader, trace.RequestIDHeader},
		ExposedHeaders:   []string{"Content-Disposition", "Retry-After", trace.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorMessage(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Metrics())
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.limiter.Middleware(s.detector.ExtractClientIP, func(w http.ResponseWriter, r *http.Request) {
			s.logger.WarnContext(r.Context(), "Rate limit exceeded",
				applog.FieldClientIP, s.detector.ExtractClientIP(r), applog.FieldPath, r.URL.Path)
			writeErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
		}))
		r.Use(security.MaxBodyBytes(cfg.MaxBodyBytes))
		r.Use(s.auth.Middleware(writeError))

		r.Get("/search", s.handleSearch)

		r.Route("/entries", func(r chi.Router) {
			r.Get("/", s.handleListEntries)
			r.Post("/", s.handleCreateEntry)
			r.Get("/stream", s.handleStream)
			r.Delete("/{id}", s.handleDeleteEntry)
		})

		r.Get("/stats", s.handleStats)
		r.Get("/read-dates", s.handleReadDates)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)
		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)
	})
	return r
}

// Shutdown stops the rate limiter sweep and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.limiter.Stop()
		err = s.Server.Shutdown(ctx)
	})
	return err
}

// Metrics reports the counters kept by the middleware chain.
func (s *Server) Metrics() map[string]any {
	tm := s.tracer.GetMetrics()
	dm := s.detector.GetMetrics()
	lm := s.limiter.GetMetrics()
	return map[string]any{
		"total_requests":       tm.TotalRequests,
		"server_errors":        tm.ServerErrors,
		"avg_response_micros":  tm.AverageResponseTime,
		"suspicious_requests":  dm.SuspiciousRequests,
		"invalid_ip_attempts":  dm.InvalidIPAttempts,
		"rate_limit_hits":      lm.TotalHits,
		"rate_limited_clients": lm.ClientCount,
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
