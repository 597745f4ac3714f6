package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rapidtriage/triage/internal/config"
	"github.com/rapidtriage/triage/internal/handler"
	"github.com/rapidtriage/triage/internal/model"
	"github.com/rapidtriage/triage/internal/server/middleware"
	"github.com/rapidtriage/triage/internal/service"
	"github.com/rapidtriage/triage/internal/store"
	"github.com/rapidtriage/triage/internal/telemetry"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	PublicRateLimit int   // per-IP requests/min on unauthenticated routes
	MaxBodySize     int64 // bytes
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		PublicRateLimit: 120,
		MaxBodySize:     1 * 1024 * 1024, // 1MB
	}
}

// Server is the top-level HTTP server for the access engine. It owns the
// Chi router, the decision engine, the key lifecycle service, and the
// backing store.
type Server struct {
	cfg        Config
	router     chi.Router
	engine     *service.Engine
	keys       *service.KeyService
	store      store.Store
	limits     config.LimitsConfig
	metrics    *telemetry.Metrics
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, engine *service.Engine, keys *service.KeyService, st store.Store, limits config.LimitsConfig, metrics *telemetry.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		keys:    keys,
		store:   st,
		limits:  limits,
		metrics: metrics,
		logger:  logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After", "X-Quota-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	// --- Probes and metrics (no auth, per-IP rate limited) ---
	r.Group(func(r chi.Router) {
		if s.cfg.PublicRateLimit > 0 {
			r.Use(middleware.RateLimit(s.cfg.PublicRateLimit))
		}
		r.Get("/healthz", s.handleHealthz)
		r.Get("/readyz", s.handleReadyz)
		r.Handle("/metrics", s.metrics.Handler())
	})

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		keyHandler := handler.NewKeyHandler(s.keys)
		decisionHandler := handler.NewDecisionHandler(s.engine, s.limits)
		usageHandler := handler.NewUsageHandler(s.engine)

		// The decision endpoint authenticates the calling sibling service,
		// then checks the credential carried in the body. User credentials
		// never reach it, whatever scopes they hold.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authorize(s.engine, middleware.RequireScope("")))
			r.Use(middleware.RequireScheme(model.SchemeServiceToken))
			r.Post("/decision", decisionHandler.Check)
		})

		// Minting keys needs the write scope.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authorize(s.engine, middleware.RequireScope(model.ScopeWrite)))
			r.Post("/keys", keyHandler.Create)
		})

		// Key inspection and revocation: any authenticated principal,
		// ownership enforced in the service layer.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authorize(s.engine, middleware.RequireScope(model.ScopeRead)))
			r.Get("/keys", keyHandler.List)
			r.Delete("/keys/{keyId}", keyHandler.Revoke)

			r.Get("/usage", usageHandler.Get)
		})
	})

	s.router = r
}

// ServeHTTP makes the Server usable as an http.Handler directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the backing store is
// reachable, 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	if err := s.store.Ping(r.Context()); err != nil {
		checks["store"] = "error: " + err.Error()
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests before closing the store.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// Shutdown stops the server programmatically, for tests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
