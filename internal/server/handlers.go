package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentmart/agentmart/internal/billing"
	"github.com/agentmart/agentmart/internal/ctxutil"
	"github.com/agentmart/agentmart/internal/identity"
	"github.com/agentmart/agentmart/internal/marketplace"
	"github.com/agentmart/agentmart/internal/metrics"
	"github.com/agentmart/agentmart/internal/model"
	"github.com/agentmart/agentmart/internal/storage"
	"github.com/agentmart/agentmart/internal/webhook"
)

// Pinger reports database reachability for the health check. *storage.DB
// implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  Pinger
	identity            *identity.Syncer
	billing             *billing.Service
	marketplace         *marketplace.Service
	clerkVerifier       webhook.Verifier
	stripeVerifier      webhook.Verifier
	clerkRouter         *webhook.Router
	stripeRouter        *webhook.Router
	metrics             *metrics.Collector
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): DB, ClerkVerifier, StripeVerifier, OpenAPISpec.
type HandlersDeps struct {
	DB                  Pinger
	Identity            *identity.Syncer
	Billing             *billing.Service
	Marketplace         *marketplace.Service
	ClerkVerifier       webhook.Verifier
	StripeVerifier      webhook.Verifier
	ClerkRouter         *webhook.Router
	StripeRouter        *webhook.Router
	Metrics             *metrics.Collector
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		db:                  d.DB,
		identity:            d.Identity,
		billing:             d.Billing,
		marketplace:         d.Marketplace,
		clerkVerifier:       d.ClerkVerifier,
		stripeVerifier:      d.StripeVerifier,
		clerkRouter:         d.ClerkRouter,
		stripeRouter:        d.StripeRouter,
		metrics:             d.Metrics,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleRoot handles GET /.
func (h *Handlers) HandleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("API Working"))
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if h.db == nil {
		pgStatus = "unconfigured"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("health: postgres ping failed", "error", err)
			pgStatus = "disconnected"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, httpStatus, model.NewHealthResponse(status, h.version, pgStatus, time.Since(h.startedAt)))
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeInternalError logs err and answers 500 without leaking it.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"user_id", ctxutil.UserIDFromContext(r.Context()),
		"request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "Internal Server Error")
}

// writeServiceError maps a service error onto a status and envelope.
// notFound is the message used for storage.ErrNotFound.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Invalid Details")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, notFound)
	case errors.Is(err, marketplace.ErrNotCreator):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "Unauthorized Access")
	case errors.Is(err, marketplace.ErrMustUseBeforeRating):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "You must use the agent before rating it.")
	case errors.Is(err, billing.ErrBillingDisabled):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable, "Payments are not configured")
	case errors.Is(err, billing.ErrUpstream):
		h.logger.Error("upstream failure", "error", err, "path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstream, "Payment provider unavailable")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
	default:
		h.writeInternalError(w, r, "request failed", err)
	}
}

// parseAgentID parses an agent id from a path or body value.
func parseAgentID(s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

func success(r *http.Request, message string) model.APIResponse {
	return model.APIResponse{Success: true, Message: message, RequestID: RequestIDFromContext(r.Context())}
}
