// Package billing turns a user's request to run an agent into a Stripe
// Checkout Session and keeps purchases in step with Stripe payment events.
// If Stripe is not configured (no secret key), Purchase returns
// ErrBillingDisabled and the purchase endpoint answers 503.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentmart/agentmart/internal/model"
)

// Sentinel errors.
var (
	ErrBillingDisabled = errors.New("billing: not configured")
	ErrUpstream        = errors.New("billing: payment provider failure")
)

// DefaultCurrency is used when the configured currency is not a valid
// three-letter code.
const DefaultCurrency = "usd"

var currencyPattern = regexp.MustCompile(`^[a-z]{3}$`)

// NormalizeCurrency lower-cases code and returns it if it is a three-letter
// ISO code. Anything else falls back to DefaultCurrency with a warning.
func NormalizeCurrency(code string, logger *slog.Logger) string {
	c := strings.ToLower(strings.TrimSpace(code))
	if currencyPattern.MatchString(c) {
		return c
	}
	if logger != nil {
		logger.Warn("billing: invalid currency, falling back", "configured", code, "using", DefaultCurrency)
	}
	return DefaultCurrency
}

// Store is the persistence the Service needs. *storage.DB implements it.
type Store interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	CreatePurchase(ctx context.Context, p model.Purchase) (model.Purchase, error)
	ApplyPurchaseStatus(ctx context.Context, id uuid.UUID, target model.PurchaseStatus, intentID string) (model.TransitionOutcome, model.Purchase, error)
}

// CheckoutRequest describes the hosted checkout page to create.
type CheckoutRequest struct {
	PurchaseID    uuid.UUID
	ProductName   string
	Description   string
	Amount        model.Cents
	Currency      string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

// CheckoutSession is the provider's handle on a created checkout page.
type CheckoutSession struct {
	ID  string
	URL string
}

// CheckoutProvider creates hosted checkout pages.
type CheckoutProvider interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
}

// Checkout is the result of a successful Purchase.
type Checkout struct {
	PurchaseID uuid.UUID
	SessionID  string
	URL        string
}

// Config holds billing settings.
type Config struct {
	// Currency is the ISO code charged for every run. Invalid values fall
	// back to DefaultCurrency.
	Currency string
	// FrontendURL is used for redirect URLs when a request has no Origin.
	FrontendURL string
}

// Service starts purchases.
type Service struct {
	store       Store
	provider    CheckoutProvider
	currency    string
	frontendURL string
	logger      *slog.Logger
}

// New creates a billing service. A nil provider leaves billing disabled.
func New(store Store, provider CheckoutProvider, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		provider:    provider,
		currency:    NormalizeCurrency(cfg.Currency, logger),
		frontendURL: strings.TrimRight(cfg.FrontendURL, "/"),
		logger:      logger,
	}
}

// Enabled returns true if a checkout provider is configured.
func (s *Service) Enabled() bool { return s.provider != nil }

// Currency returns the normalized charge currency.
func (s *Service) Currency() string { return s.currency }

// Purchase opens a checkout session for one run of agentID by userID and
// records a pending purchase for it. origin is the browser origin the
// redirect URLs are built on. If the provider call fails nothing is stored
// and the error wraps ErrUpstream.
func (s *Service) Purchase(ctx context.Context, userID string, agentID uuid.UUID, origin string) (Checkout, error) {
	if !s.Enabled() {
		return Checkout{}, ErrBillingDisabled
	}

	base := strings.TrimRight(strings.TrimSpace(origin), "/")
	if base == "" {
		base = s.frontendURL
	}
	if base == "" {
		return Checkout{}, fmt.Errorf("%w: request origin is required", model.ErrValidation)
	}

	var (
		user  model.User
		agent model.Agent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		user, err = s.store.GetUser(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		agent, err = s.store.GetAgent(gctx, agentID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Checkout{}, fmt.Errorf("billing: purchase: %w", err)
	}

	currency := s.currency
	purchaseID := uuid.New()
	sess, err := s.provider.CreateCheckout(ctx, CheckoutRequest{
		PurchaseID:    purchaseID,
		ProductName:   agent.Name,
		Description:   agent.Description,
		Amount:        agent.PricePerRun,
		Currency:      currency,
		CustomerEmail: user.Email,
		SuccessURL:    fmt.Sprintf("%s/dashboard/runs/%s", base, purchaseID),
		CancelURL:     base + "/",
	})
	if err != nil {
		s.logger.Error("billing: checkout session failed",
			"user_id", userID, "agent_id", agentID, "purchase_id", purchaseID, "error", err)
		return Checkout{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	sessionID := sess.ID
	p, err := s.store.CreatePurchase(ctx, model.Purchase{
		ID:                purchaseID,
		AgentID:           agent.ID,
		UserID:            user.ID,
		Amount:            agent.PricePerRun,
		Currency:          currency,
		Status:            model.PurchasePending,
		CheckoutSessionID: &sessionID,
	})
	if err != nil {
		return Checkout{}, fmt.Errorf("billing: record purchase: %w", err)
	}

	s.logger.Info("billing: checkout started",
		"purchase_id", p.ID, "user_id", userID, "agent_id", agentID,
		"amount", p.Amount.String(), "currency", currency, "session_id", sess.ID)
	return Checkout{PurchaseID: p.ID, SessionID: sess.ID, URL: sess.URL}, nil
}
