package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentmart/agentmart/internal/auth"
	"github.com/agentmart/agentmart/internal/billing"
	"github.com/agentmart/agentmart/internal/identity"
	"github.com/agentmart/agentmart/internal/marketplace"
	"github.com/agentmart/agentmart/internal/metrics"
	"github.com/agentmart/agentmart/internal/ratelimit"
	"github.com/agentmart/agentmart/internal/webhook"
)

// Server is the agentmart HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): ClerkVerifier, StripeVerifier, Limiter,
// Metrics, Gatherer, OpenAPISpec. A nil verifier answers its webhook route
// with 503.
type ServerConfig struct {
	// Required dependencies.
	DB            Pinger
	Identity      *identity.Syncer
	Billing       *billing.Service
	Marketplace   *marketplace.Service
	Authenticator auth.Authenticator
	ClerkRouter   *webhook.Router
	StripeRouter  *webhook.Router
	Logger        *slog.Logger

	// Optional dependencies (nil = disabled).
	ClerkVerifier  webhook.Verifier
	StripeVerifier webhook.Verifier
	Limiter        ratelimit.Limiter
	Metrics        *metrics.Collector
	Gatherer       prometheus.Gatherer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string
	// RateLimitFailClosed answers 503 when the limiter errors.
	RateLimitFailClosed bool

	OpenAPISpec []byte // Embedded OpenAPI YAML.
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector(prometheus.NewRegistry())
	}

	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Identity:            cfg.Identity,
		Billing:             cfg.Billing,
		Marketplace:         cfg.Marketplace,
		ClerkVerifier:       cfg.ClerkVerifier,
		StripeVerifier:      cfg.StripeVerifier,
		ClerkRouter:         cfg.ClerkRouter,
		StripeRouter:        cfg.StripeRouter,
		Metrics:             cfg.Metrics,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	limited := func(next http.Handler) http.Handler {
		if cfg.Limiter == nil {
			return next
		}
		return rateLimitMiddlewareWithHook(cfg.Limiter, cfg.Logger, cfg.RateLimitFailClosed,
			func(*http.Request) { cfg.Metrics.RateLimited() }, next)
	}
	user := func(fn http.HandlerFunc) http.Handler {
		return limited(requireUser(fn))
	}

	mux := http.NewServeMux()

	// Provider webhooks (signature auth, no rate limit: providers retry).
	mux.HandleFunc("POST /clerk", h.HandleClerkWebhook)
	mux.HandleFunc("POST /stripe", h.HandleStripeWebhook)

	// Public catalog.
	mux.Handle("GET /api/agent/all", limited(http.HandlerFunc(h.HandleListAgents)))
	mux.Handle("GET /api/agent/{id}", limited(http.HandlerFunc(h.HandleGetAgent)))

	// Signed-in users.
	mux.Handle("GET /api/user/data", user(h.HandleUserData))
	mux.Handle("POST /api/user/purchase", user(h.HandlePurchase))
	mux.Handle("GET /api/user/executions", user(h.HandleExecutions))
	mux.Handle("POST /api/user/add-rating", user(h.HandleAddRating))

	// Creators. The role is checked per request against the directory.
	mux.Handle("POST /api/creator/add-agent", user(h.HandleCreateAgent))
	mux.Handle("GET /api/creator/agents", user(h.HandleCreatorAgents))
	mux.Handle("GET /api/creator/dashboard", user(h.HandleCreatorDashboard))

	// Operational endpoints (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /health", h.HandleHealth)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(cfg.Gatherer))
	}
	mux.HandleFunc("GET /{$}", h.HandleRoot)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Authenticator, cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
