// Package identity mirrors identity-provider users into the local store.
//
// Syncer applies user.created, user.updated, and user.deleted webhooks. It
// also backfills a user straight from the provider when a signed-in user's
// row has not arrived yet, and answers role checks for creator-only routes.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/agentmart/agentmart/internal/model"
	"github.com/agentmart/agentmart/internal/retry"
	"github.com/agentmart/agentmart/internal/storage"
	"github.com/agentmart/agentmart/internal/webhook"
)

// ErrDuplicateUser is returned when a user.created event names an id that
// already exists locally.
var ErrDuplicateUser = errors.New("identity: user already exists")

// Store is the user persistence the Syncer needs. *storage.DB implements it.
type Store interface {
	CreateUser(ctx context.Context, u model.User) (model.User, error)
	GetUser(ctx context.Context, id string) (model.User, error)
	UpdateUser(ctx context.Context, id string, patch model.UserPatch) (model.User, error)
	DeleteUser(ctx context.Context, id string) (bool, error)
}

// Syncer keeps local users in step with the identity provider.
type Syncer struct {
	store     Store
	directory Directory
	lookup    retry.Policy
	logger    *slog.Logger
}

// Config holds optional Syncer settings.
type Config struct {
	// Directory is consulted for role checks and backfills. Nil disables both
	// and role checks fall back to the local record.
	Directory Directory
	// Lookup bounds how long EnsureUser waits for the created webhook before
	// backfilling. Zero uses retry.DefaultPolicy.
	Lookup retry.Policy
}

// NewSyncer creates a Syncer.
func NewSyncer(store Store, cfg Config, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	lookup := cfg.Lookup
	if lookup.MaxAttempts == 0 {
		lookup = retry.DefaultPolicy
	}
	return &Syncer{store: store, directory: cfg.Directory, lookup: lookup, logger: logger}
}

// Register binds the user lifecycle handlers on r.
func (s *Syncer) Register(r *webhook.Router) {
	r.Register(model.EventUserCreated, s.HandleCreated)
	r.Register(model.EventUserUpdated, s.HandleUpdated)
	r.Register(model.EventUserDeleted, s.HandleDeleted)
}

// HandleCreated inserts the user described by a user.created event.
func (s *Syncer) HandleCreated(ctx context.Context, ev webhook.Event) error {
	ue, err := webhook.ParseUserEvent(ev)
	if err != nil {
		return err
	}

	u, err := s.store.CreateUser(ctx, ue.User())
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			s.logger.Warn("identity: user already exists", "user_id", ue.UserID, "event_id", ev.ID)
			return fmt.Errorf("%w: %s", ErrDuplicateUser, ue.UserID)
		}
		return fmt.Errorf("identity: create user: %w", err)
	}

	s.logger.Info("identity: user created", "user_id", u.ID, "role", u.Role, "event_id", ev.ID)
	return nil
}

// HandleUpdated applies the fields present in a user.updated event. A user
// that does not exist locally is reported with storage.ErrNotFound.
func (s *Syncer) HandleUpdated(ctx context.Context, ev webhook.Event) error {
	ue, err := webhook.ParseUserEvent(ev)
	if err != nil {
		return err
	}

	patch := ue.Patch()
	if patch.Empty() {
		if _, err := s.store.GetUser(ctx, ue.UserID); err != nil {
			return s.updateError(ue.UserID, ev.ID, err)
		}
		s.logger.Debug("identity: user update carried no fields", "user_id", ue.UserID)
		return nil
	}

	if _, err := s.store.UpdateUser(ctx, ue.UserID, patch); err != nil {
		return s.updateError(ue.UserID, ev.ID, err)
	}
	s.logger.Info("identity: user updated", "user_id", ue.UserID, "event_id", ev.ID)
	return nil
}

func (s *Syncer) updateError(userID, eventID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("identity: update for unknown user", "user_id", userID, "event_id", eventID)
		return fmt.Errorf("identity: update user %s: %w", userID, err)
	}
	return fmt.Errorf("identity: update user: %w", err)
}

// HandleDeleted removes the user named by a user.deleted event. Deleting a
// user that is already gone succeeds.
func (s *Syncer) HandleDeleted(ctx context.Context, ev webhook.Event) error {
	ue, err := webhook.ParseUserEvent(ev)
	if err != nil {
		return err
	}

	deleted, err := s.store.DeleteUser(ctx, ue.UserID)
	if err != nil {
		return fmt.Errorf("identity: delete user: %w", err)
	}
	s.logger.Info("identity: user deleted", "user_id", ue.UserID, "existed", deleted, "event_id", ev.ID)
	return nil
}

// EnsureUser returns the local user, waiting briefly for the created webhook
// and then backfilling from the directory if it still has not arrived.
func (s *Syncer) EnsureUser(ctx context.Context, id string) (model.User, error) {
	u, err := retry.Do(ctx, s.lookup, func(ctx context.Context) (model.User, error) {
		u, err := s.store.GetUser(ctx, id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return model.User{}, retry.Permanent(err)
		}
		return u, err
	})
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.User{}, fmt.Errorf("identity: get user: %w", err)
	}
	if s.directory == nil {
		return model.User{}, fmt.Errorf("identity: user %s: %w", id, storage.ErrNotFound)
	}

	remote, err := s.directory.GetUser(ctx, id)
	if err != nil {
		return model.User{}, fmt.Errorf("identity: backfill user: %w", err)
	}
	created, err := s.store.CreateUser(ctx, remote)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return s.store.GetUser(ctx, id)
		}
		return model.User{}, fmt.Errorf("identity: backfill user: %w", err)
	}
	s.logger.Info("identity: user backfilled from directory", "user_id", id)
	return created, nil
}

// Role returns the user's current role. The directory is authoritative; the
// local record is used when no directory is configured.
func (s *Syncer) Role(ctx context.Context, id string) (model.UserRole, error) {
	if s.directory != nil {
		u, err := s.directory.GetUser(ctx, id)
		if err != nil {
			return "", fmt.Errorf("identity: role: %w", err)
		}
		return u.Role, nil
	}
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return "", fmt.Errorf("identity: role: %w", err)
	}
	return u.Role, nil
}
