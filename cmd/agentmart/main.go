package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/agentmart/agentmart/api"
	"github.com/agentmart/agentmart/internal/auth"
	"github.com/agentmart/agentmart/internal/billing"
	"github.com/agentmart/agentmart/internal/config"
	"github.com/agentmart/agentmart/internal/identity"
	"github.com/agentmart/agentmart/internal/marketplace"
	"github.com/agentmart/agentmart/internal/metrics"
	"github.com/agentmart/agentmart/internal/ratelimit"
	"github.com/agentmart/agentmart/internal/retry"
	"github.com/agentmart/agentmart/internal/server"
	"github.com/agentmart/agentmart/internal/storage"
	"github.com/agentmart/agentmart/internal/telemetry"
	"github.com/agentmart/agentmart/internal/webhook"
	"github.com/agentmart/agentmart/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// The level is raised or lowered once config is loaded.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, level); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, level *slog.LevelVar) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		logger.Warn("unknown log level, using info", "level", cfg.LogLevel)
	}

	slog.Info("agentmart starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	reg := metrics.NewRegistry()
	collector := metrics.NewCollector(reg)

	// Identity: webhook sync plus directory lookups for backfill and roles.
	var directory identity.Directory
	switch {
	case cfg.ClerkSecretKey != "":
		directory = identity.NewClerkDirectory(cfg.ClerkSecretKey)
	case cfg.DevAuthUser != "":
		directory = identity.DevDirectory{UserID: cfg.DevAuthUser}
		logger.Warn("identity: using development directory", "user_id", cfg.DevAuthUser)
	default:
		logger.Warn("identity: no CLERK_SECRET_KEY, roles come from the local user table")
	}
	users := identity.NewSyncer(db, identity.Config{
		Directory: directory,
		Lookup: retry.Policy{
			MaxAttempts:     uint(cfg.UserSyncAttempts), //nolint:gosec // validated positive in config.Validate
			InitialInterval: cfg.UserSyncDelay,
			MaxInterval:     4 * cfg.UserSyncDelay,
		},
	}, logger)

	clerkRouter := webhook.NewRouter(logger, webhook.WithLedger(db), webhook.WithObserver(collector.ObserveWebhook))
	users.Register(clerkRouter)

	var clerkVerifier webhook.Verifier
	if cfg.ClerkWebhookSecret != "" {
		v, err := webhook.NewClerkVerifier(cfg.ClerkWebhookSecret)
		if err != nil {
			return fmt.Errorf("clerk webhook: %w", err)
		}
		clerkVerifier = v
	} else {
		logger.Warn("clerk webhooks: disabled (no CLERK_WEBHOOK_SECRET)")
	}

	// Billing: checkout sessions and payment webhooks.
	var provider billing.CheckoutProvider
	if cfg.StripeSecretKey != "" {
		provider = billing.NewStripeCheckout(cfg.StripeSecretKey)
	} else {
		logger.Warn("billing: disabled (no STRIPE_SECRET_KEY)")
	}
	payments := billing.New(db, provider, billing.Config{
		Currency:    cfg.Currency,
		FrontendURL: cfg.FrontendURL,
	}, logger)

	stripeRouter := webhook.NewRouter(logger, webhook.WithLedger(db), webhook.WithObserver(collector.ObserveWebhook))
	billing.NewPaymentSyncer(db, collector, logger).Register(stripeRouter)

	var stripeVerifier webhook.Verifier
	if cfg.StripeWebhookSecret != "" {
		stripeVerifier = webhook.NewStripeVerifier(cfg.StripeWebhookSecret)
	} else {
		logger.Warn("stripe webhooks: disabled (no STRIPE_WEBHOOK_SECRET)")
	}

	authn, err := newAuthenticator(cfg, logger)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		ml := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = ml.Close() }()
		limiter = ml
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Identity:            users,
		Billing:             payments,
		Marketplace:         marketplace.New(db, users, logger),
		Authenticator:       authn,
		ClerkRouter:         clerkRouter,
		StripeRouter:        stripeRouter,
		ClerkVerifier:       clerkVerifier,
		StripeVerifier:      stripeVerifier,
		Limiter:             limiter,
		Metrics:             collector,
		Gatherer:            reg,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  cfg.CORSAllowedOrigins,
		OpenAPISpec:         api.OpenAPISpec,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		webhookRetentionLoop(gctx, db, logger, cfg.WebhookRetentionDays, cfg.WebhookRetentionInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("agentmart shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("agentmart stopped")
	return nil
}

// newAuthenticator picks how session tokens are checked. With neither a JWT
// key nor a dev user, the returned nil authenticator leaves every request
// anonymous and signed-in routes answer 401.
func newAuthenticator(cfg config.Config, logger *slog.Logger) (auth.Authenticator, error) {
	switch {
	case cfg.ClerkJWTKey != "":
		v, err := auth.NewSessionVerifier(cfg.ClerkJWTKey, cfg.AuthorizedParties)
		if err != nil {
			return nil, err
		}
		logger.Info("auth: verifying session tokens", "authorized_parties", cfg.AuthorizedParties)
		return v, nil
	case cfg.DevAuthUser != "":
		return auth.NewDevAuthenticator(cfg.DevAuthUser, logger), nil
	default:
		logger.Warn("auth: not configured (no CLERK_JWT_KEY), signed-in routes will reject every request")
		return nil, nil
	}
}

// webhookRetentionLoop prunes old processed-event ledger rows. Zero days
// keeps them forever.
func webhookRetentionLoop(ctx context.Context, db *storage.DB, logger *slog.Logger, days int, interval time.Duration) {
	if days <= 0 || interval <= 0 {
		logger.Info("webhook retention: disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PruneWebhookEvents(ctx, days)
			if err != nil {
				logger.Warn("webhook retention: prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("webhook retention: pruned ledger rows", "count", n, "older_than_days", days)
			}
		}
	}
}
