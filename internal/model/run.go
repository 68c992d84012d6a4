package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentRun records that a user has paid for and may execute an agent.
// One run is created per completed purchase; rating eligibility depends on it.
type AgentRun struct {
	ID         uuid.UUID  `json:"_id"`
	AgentID    uuid.UUID  `json:"agentId"`
	UserID     string     `json:"userId"`
	PurchaseID *uuid.UUID `json:"purchaseId,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// AgentSummary is the subset of an agent embedded in run listings.
type AgentSummary struct {
	ID          uuid.UUID `json:"_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	PricePerRun Cents     `json:"pricePerRun"`
}

// RunWithAgent is an AgentRun joined with its agent. The agent replaces the
// bare agentId in JSON output.
type RunWithAgent struct {
	AgentRun
	Agent AgentSummary `json:"agentId"`
}

// CreatorAgentStats aggregates sales for one of a creator's agents.
type CreatorAgentStats struct {
	AgentID       uuid.UUID `json:"agentId"`
	Name          string    `json:"name"`
	Purchases     int       `json:"purchases"`
	Earnings      Cents     `json:"earnings"`
	AverageRating float64   `json:"averageRating"`
	RatingCount   int       `json:"ratingCount"`
}
