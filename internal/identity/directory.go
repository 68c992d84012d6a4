package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/clerk/clerk-sdk-go/v2"
	"github.com/clerk/clerk-sdk-go/v2/user"

	"github.com/agentmart/agentmart/internal/model"
	"github.com/agentmart/agentmart/internal/storage"
)

// Directory looks users up at the identity provider. Implementations return
// an error wrapping storage.ErrNotFound for unknown ids.
type Directory interface {
	GetUser(ctx context.Context, id string) (model.User, error)
}

// ClerkDirectory reads users through the Clerk Backend API.
type ClerkDirectory struct {
	client *user.Client
}

// NewClerkDirectory creates a directory with its own Clerk client. The SDK's
// package-level key is never set.
func NewClerkDirectory(secretKey string) *ClerkDirectory {
	cfg := &clerk.ClientConfig{}
	cfg.Key = clerk.String(secretKey)
	return &ClerkDirectory{client: user.NewClient(cfg)}
}

// GetUser implements Directory.
func (d *ClerkDirectory) GetUser(ctx context.Context, id string) (model.User, error) {
	cu, err := d.client.Get(ctx, id)
	if err != nil {
		var apiErr *clerk.APIErrorResponse
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusNotFound {
			return model.User{}, fmt.Errorf("identity: clerk user %s: %w", id, storage.ErrNotFound)
		}
		return model.User{}, fmt.Errorf("identity: clerk get user: %w", err)
	}
	return fromClerkUser(cu), nil
}

func fromClerkUser(cu *clerk.User) model.User {
	u := model.User{ID: cu.ID, Role: model.RoleOrdinary}
	if len(cu.EmailAddresses) > 0 && cu.EmailAddresses[0] != nil {
		u.Email = cu.EmailAddresses[0].EmailAddress
	}
	var parts []string
	for _, p := range []*string{cu.FirstName, cu.LastName} {
		if p != nil && strings.TrimSpace(*p) != "" {
			parts = append(parts, strings.TrimSpace(*p))
		}
	}
	u.Name = strings.Join(parts, " ")
	if cu.ImageURL != nil {
		u.ImageURL = *cu.ImageURL
	}
	if len(cu.PublicMetadata) > 0 {
		var meta struct {
			Role string `json:"role"`
		}
		if json.Unmarshal(cu.PublicMetadata, &meta) == nil {
			u.Role = model.ParseUserRole(meta.Role)
		}
	}
	return u
}

// DevDirectory answers for a single development user, who is a creator.
// It stands in for the provider when no secret key is configured.
type DevDirectory struct {
	UserID string
}

// GetUser implements Directory.
func (d DevDirectory) GetUser(_ context.Context, id string) (model.User, error) {
	if d.UserID == "" || id != d.UserID {
		return model.User{}, fmt.Errorf("identity: dev user %s: %w", id, storage.ErrNotFound)
	}
	return model.User{
		ID:    id,
		Email: id + "@dev.local",
		Name:  "Dev User",
		Role:  model.RoleCreator,
	}, nil
}
