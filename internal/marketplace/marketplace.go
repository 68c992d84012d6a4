// Package marketplace serves the agent catalog, ratings, a user's runs, and
// the creator views over agents and sales.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/agentmart/agentmart/internal/model"
	"github.com/agentmart/agentmart/internal/storage"
)

// Sentinel errors.
var (
	ErrMustUseBeforeRating = errors.New("marketplace: agent must be used before rating")
	ErrNotCreator          = errors.New("marketplace: creator role required")
)

// Store is the persistence the Service needs. *storage.DB implements it.
type Store interface {
	CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error)
	GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error)
	ListAgents(ctx context.Context, publishedOnly bool) ([]model.Agent, error)
	ListAgentsByCreator(ctx context.Context, creatorID string) ([]model.Agent, error)
	UpsertRating(ctx context.Context, agentID uuid.UUID, userID string, rating int) error
	HasRun(ctx context.Context, userID string, agentID uuid.UUID) (bool, error)
	ListRunsByUser(ctx context.Context, userID string) ([]model.RunWithAgent, error)
	CreatorStats(ctx context.Context, creatorID string) ([]model.CreatorAgentStats, error)
}

// RoleSource reports a user's current role. *identity.Syncer implements it.
type RoleSource interface {
	Role(ctx context.Context, userID string) (model.UserRole, error)
}

// Service implements the marketplace operations.
type Service struct {
	store  Store
	roles  RoleSource
	logger *slog.Logger
}

// New creates a Service.
func New(store Store, roles RoleSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, roles: roles, logger: logger}
}

// ListAgents returns every published agent with its ratings.
func (s *Service) ListAgents(ctx context.Context) ([]model.Agent, error) {
	agents, err := s.store.ListAgents(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("marketplace: list agents: %w", err)
	}
	return agents, nil
}

// GetAgent returns one agent. Unpublished agents are visible only to their
// creator; anyone else gets storage.ErrNotFound.
func (s *Service) GetAgent(ctx context.Context, id uuid.UUID, viewerID string) (model.Agent, error) {
	a, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return model.Agent{}, fmt.Errorf("marketplace: get agent: %w", err)
	}
	if !a.Published && (viewerID == "" || viewerID != a.CreatorID) {
		return model.Agent{}, fmt.Errorf("marketplace: agent %s: %w", id, storage.ErrNotFound)
	}
	return a, nil
}

// AddRating records userID's rating for agentID. The user must have a run of
// the agent. A second rating from the same user replaces the first.
func (s *Service) AddRating(ctx context.Context, userID string, agentID uuid.UUID, rating int) error {
	if userID == "" || agentID == uuid.Nil {
		return fmt.Errorf("%w: user and agent are required", model.ErrValidation)
	}
	if err := model.ValidateRating(rating); err != nil {
		return err
	}

	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return fmt.Errorf("marketplace: rate agent: %w", err)
	}

	used, err := s.store.HasRun(ctx, userID, agentID)
	if err != nil {
		return fmt.Errorf("marketplace: check runs: %w", err)
	}
	if !used {
		return ErrMustUseBeforeRating
	}

	if err := s.store.UpsertRating(ctx, agentID, userID, rating); err != nil {
		return fmt.Errorf("marketplace: save rating: %w", err)
	}
	s.logger.Info("marketplace: rating saved", "user_id", userID, "agent_id", agentID, "rating", rating)
	return nil
}

// UserRuns lists userID's runs, newest first, each with its agent.
func (s *Service) UserRuns(ctx context.Context, userID string) ([]model.RunWithAgent, error) {
	runs, err := s.store.ListRunsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("marketplace: list runs: %w", err)
	}
	return runs, nil
}

func (s *Service) requireCreator(ctx context.Context, userID string) error {
	role, err := s.roles.Role(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotCreator
		}
		return fmt.Errorf("marketplace: role lookup: %w", err)
	}
	if role != model.RoleCreator {
		return ErrNotCreator
	}
	return nil
}

// CreateAgent adds an agent owned by creatorID. New agents are published
// unless the request says otherwise.
func (s *Service) CreateAgent(ctx context.Context, creatorID string, req model.CreateAgentRequest) (model.Agent, error) {
	if err := s.requireCreator(ctx, creatorID); err != nil {
		return model.Agent{}, err
	}
	if err := req.Validate(); err != nil {
		return model.Agent{}, err
	}

	published := true
	if req.Published != nil {
		published = *req.Published
	}
	a, err := s.store.CreateAgent(ctx, model.Agent{
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		CreatorID:   creatorID,
		PricePerRun: req.PricePerRun,
		Published:   published,
	})
	if err != nil {
		return model.Agent{}, fmt.Errorf("marketplace: create agent: %w", err)
	}
	s.logger.Info("marketplace: agent created",
		"agent_id", a.ID, "creator_id", creatorID, "price", a.PricePerRun.String(), "published", a.Published)
	return a, nil
}

// CreatorAgents lists every agent owned by creatorID, published or not.
func (s *Service) CreatorAgents(ctx context.Context, creatorID string) ([]model.Agent, error) {
	if err := s.requireCreator(ctx, creatorID); err != nil {
		return nil, err
	}
	agents, err := s.store.ListAgentsByCreator(ctx, creatorID)
	if err != nil {
		return nil, fmt.Errorf("marketplace: creator agents: %w", err)
	}
	return agents, nil
}

// CreatorDashboard totals completed purchases and earnings across the
// creator's agents.
func (s *Service) CreatorDashboard(ctx context.Context, creatorID string) (model.CreatorDashboard, error) {
	if err := s.requireCreator(ctx, creatorID); err != nil {
		return model.CreatorDashboard{}, err
	}
	stats, err := s.store.CreatorStats(ctx, creatorID)
	if err != nil {
		return model.CreatorDashboard{}, fmt.Errorf("marketplace: dashboard: %w", err)
	}
	d := model.CreatorDashboard{Agents: stats}
	for _, st := range stats {
		d.TotalEarnings += st.Earnings
		d.TotalPurchases += st.Purchases
	}
	return d, nil
}
