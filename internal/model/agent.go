package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Rating bounds.
const (
	MinRating = 1
	MaxRating = 5
)

// Field length limits enforced on agent creation.
const (
	MaxAgentNameLen        = 200
	MaxAgentDescriptionLen = 10000
)

// Agent is a sellable item priced per run.
type Agent struct {
	ID          uuid.UUID `json:"_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatorID   string    `json:"creatorId"`
	PricePerRun Cents     `json:"pricePerRun"`
	Published   bool      `json:"published"`
	Ratings     []Rating  `json:"userRating"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// AverageRating returns the mean of all ratings, or 0 when there are none.
func (a Agent) AverageRating() float64 {
	if len(a.Ratings) == 0 {
		return 0
	}
	sum := 0
	for _, r := range a.Ratings {
		sum += r.Rating
	}
	return float64(sum) / float64(len(a.Ratings))
}

// Rating is one user's score for an agent. There is at most one per user.
type Rating struct {
	UserID    string    `json:"userId"`
	Rating    int       `json:"rating"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ValidateRating checks that a rating is within [MinRating, MaxRating].
func ValidateRating(r int) error {
	if r < MinRating || r > MaxRating {
		return fmt.Errorf("%w: rating must be between %d and %d", ErrValidation, MinRating, MaxRating)
	}
	return nil
}

// CreateAgentRequest is the body of POST /api/creator/add-agent.
type CreateAgentRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	PricePerRun Cents  `json:"pricePerRun"`
	Published   *bool  `json:"published,omitempty"`
}

// Validate checks required fields and limits.
func (r CreateAgentRequest) Validate() error {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(name) > MaxAgentNameLen {
		return fmt.Errorf("%w: name exceeds maximum length of %d characters", ErrValidation, MaxAgentNameLen)
	}
	if len(r.Description) > MaxAgentDescriptionLen {
		return fmt.Errorf("%w: description exceeds maximum length of %d characters", ErrValidation, MaxAgentDescriptionLen)
	}
	if r.PricePerRun <= 0 {
		return fmt.Errorf("%w: pricePerRun must be positive", ErrValidation)
	}
	return nil
}
