package model

import (
	"time"

	"github.com/google/uuid"
)

// PurchaseStatus is the payment lifecycle state of a purchase.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseFailed    PurchaseStatus = "failed"
)

// Terminal reports whether no further transition is expected from s.
func (s PurchaseStatus) Terminal() bool {
	return s == PurchaseCompleted || s == PurchaseFailed
}

// Valid reports whether s is a known status.
func (s PurchaseStatus) Valid() bool {
	switch s {
	case PurchasePending, PurchaseCompleted, PurchaseFailed:
		return true
	}
	return false
}

// TransitionOutcome describes what applying a target status to a purchase did.
type TransitionOutcome string

const (
	// TransitionApplied means the purchase moved from pending to the target.
	TransitionApplied TransitionOutcome = "applied"
	// TransitionUnchanged means the purchase already held the target status.
	TransitionUnchanged TransitionOutcome = "unchanged"
	// TransitionIgnored means the purchase is in a different terminal status.
	TransitionIgnored TransitionOutcome = "ignored"
	// TransitionNotFound means no purchase matched.
	TransitionNotFound TransitionOutcome = "not_found"
)

// Transition decides the outcome of moving a purchase from current to target.
// Only pending purchases move; terminal statuses are never overwritten.
func Transition(current, target PurchaseStatus) TransitionOutcome {
	switch {
	case current == target:
		return TransitionUnchanged
	case current == PurchasePending && target.Terminal():
		return TransitionApplied
	default:
		return TransitionIgnored
	}
}

// Purchase records a user's intent to pay for one run of an agent.
type Purchase struct {
	ID                uuid.UUID      `json:"_id"`
	AgentID           uuid.UUID      `json:"agentId"`
	UserID            string         `json:"userId"`
	Amount            Cents          `json:"amount"`
	Currency          string         `json:"currency"`
	Status            PurchaseStatus `json:"status"`
	PaymentIntentID   *string        `json:"paymentIntentId,omitempty"`
	CheckoutSessionID *string        `json:"checkoutSessionId,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}
