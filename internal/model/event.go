package model

import "time"

// WebhookProvider identifies the origin of an inbound webhook.
type WebhookProvider string

const (
	ProviderClerk  WebhookProvider = "clerk"
	ProviderStripe WebhookProvider = "stripe"
)

// Identity lifecycle event types.
const (
	EventUserCreated = "user.created"
	EventUserUpdated = "user.updated"
	EventUserDeleted = "user.deleted"
)

// Payment lifecycle event types.
const (
	EventCheckoutSessionCompleted          = "checkout.session.completed"
	EventCheckoutSessionAsyncPaymentOK     = "checkout.session.async_payment_succeeded"
	EventCheckoutSessionAsyncPaymentFailed = "checkout.session.async_payment_failed"
	EventPaymentIntentSucceeded            = "payment_intent.succeeded"
	EventPaymentIntentFailed               = "payment_intent.payment_failed"
)

// PaymentEventStatus maps a payment event type to the purchase status it
// drives. ok is false for types that do not affect purchases.
func PaymentEventStatus(eventType string) (status PurchaseStatus, ok bool) {
	switch eventType {
	case EventCheckoutSessionCompleted, EventCheckoutSessionAsyncPaymentOK, EventPaymentIntentSucceeded:
		return PurchaseCompleted, true
	case EventPaymentIntentFailed, EventCheckoutSessionAsyncPaymentFailed:
		return PurchaseFailed, true
	default:
		return "", false
	}
}

// ProcessedWebhook is a ledger row recording that an event was handled.
type ProcessedWebhook struct {
	Provider    WebhookProvider `json:"provider"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	ProcessedAt time.Time       `json:"processed_at"`
}
