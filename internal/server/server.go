// Package server assembles the gatekeeper HTTP API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-faster/errors"

	"github.com/pdfflex/gatekeeper/internal/handler"
	"github.com/pdfflex/gatekeeper/internal/identity"
	"github.com/pdfflex/gatekeeper/internal/openapi"
	"github.com/pdfflex/gatekeeper/internal/server/middleware"
	"github.com/pdfflex/gatekeeper/internal/service"
	"github.com/pdfflex/gatekeeper/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	RateLimit       int   // requests per minute per client; 0 disables
	MaxBodySize     int64 // bytes
	Version         string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		RateLimit:       120,
		MaxBodySize:     1 << 20,
	}
}

// Deps are the collaborators the routes are served by.
type Deps struct {
	Store     store.Store
	Validator *service.Validator
	Usage     *service.UsageRecorder
	Issuer    *service.Issuer
	Keys      *service.KeyManager
	Resolver  identity.Resolver
}

// Server is the top-level HTTP server. It owns the chi router and the
// services behind it but not the store, which the caller closes.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{middleware.RequestIDHeader, handler.HeaderKeyID, handler.HeaderUserID, handler.HeaderKeyTier, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}

	doc := openapi.Generate(fmt.Sprintf("http://%s", s.addr()), s.cfg.Version)
	system := handler.NewSystemHandler(s.deps.Store, doc)
	keys := handler.NewKeyHandler(s.deps.Issuer, s.deps.Keys, s.logger)
	verify := handler.NewVerifyHandler(s.deps.Validator, s.deps.Usage)

	// --- Health checks and API description (no auth required) ---
	r.Get("/healthz", system.Healthz)
	r.Get("/readyz", system.Readyz)
	r.Get("/openapi.json", system.OpenAPI)

	// --- Key management for signed-in users ---
	r.Route(openapi.KeysPath, func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(middleware.RateLimit(s.cfg.RateLimit))
		}
		r.Use(middleware.RequireUser(s.deps.Resolver))

		r.Get("/", keys.List)
		r.Post("/", keys.Issue)
		r.Post("/generate", keys.Issue)
		r.Get("/usage", keys.Usage)
		r.Get("/{keyId}", keys.Get)
		r.Patch("/{keyId}", keys.Update)
		r.Delete("/{keyId}", keys.Revoke)
	})

	// --- Forward-auth verification ---
	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(middleware.RateLimitByCredential(s.cfg.RateLimit, s.deps.Validator.Fingerprint))
		}
		r.Get(openapi.VerifyPath, verify.Verify)
		r.Post(openapi.VerifyPath, verify.Verify)
	})

	s.router = r
}

// Guard returns middleware that protects a handler with an API key under
// p, for embedding gatekeeper in a service that serves the work itself.
func (s *Server) Guard(p service.Policy) func(http.Handler) http.Handler {
	return middleware.RequireAPIKey(s.deps.Validator, s.deps.Usage, p)
}

// ListenAndServe starts the HTTP server and blocks until ctx is done or a
// SIGINT or SIGTERM is received. It then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.addr()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server listen")
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server shutdown")
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
