package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v84"

	"github.com/agentmart/agentmart/internal/model"
)

// PurchaseMetadataKey is the checkout metadata key that carries the local
// purchase id from session creation to payment events.
const PurchaseMetadataKey = "purchaseId"

// UserEvent is an identity lifecycle event. Nil fields were absent from the
// payload and must not be changed by an update.
type UserEvent struct {
	Type     string
	UserID   string
	Email    *string
	Name     *string
	ImageURL *string
	Role     *model.UserRole
}

// Patch returns the fields present in the event as a partial update.
func (e UserEvent) Patch() model.UserPatch {
	return model.UserPatch{Email: e.Email, Name: e.Name, ImageURL: e.ImageURL, Role: e.Role}
}

// User builds a full record from the event. Absent fields become empty.
func (e UserEvent) User() model.User {
	u := model.User{ID: e.UserID, Role: model.RoleOrdinary}
	if e.Email != nil {
		u.Email = *e.Email
	}
	if e.Name != nil {
		u.Name = *e.Name
	}
	if e.ImageURL != nil {
		u.ImageURL = *e.ImageURL
	}
	if e.Role != nil {
		u.Role = *e.Role
	}
	return u
}

type clerkEmailAddress struct {
	EmailAddress string `json:"email_address"`
}

type clerkUserData struct {
	ID             string               `json:"id"`
	EmailAddresses *[]clerkEmailAddress `json:"email_addresses"`
	FirstName      *string              `json:"first_name"`
	LastName       *string              `json:"last_name"`
	ImageURL       *string              `json:"image_url"`
	PublicMetadata map[string]any       `json:"public_metadata"`
}

// ParseUserEvent decodes a Clerk user.* event. The email is the first entry
// of email_addresses, or empty when the array is empty. The name joins first
// and last name with a single space.
func ParseUserEvent(ev Event) (UserEvent, error) {
	var d clerkUserData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return UserEvent{}, fmt.Errorf("%w: %s data: %w", ErrMalformedEvent, ev.Type, err)
	}
	if d.ID == "" {
		return UserEvent{}, fmt.Errorf("%w: %s data.id is required", ErrMalformedEvent, ev.Type)
	}

	out := UserEvent{Type: ev.Type, UserID: d.ID, ImageURL: d.ImageURL}

	if d.EmailAddresses != nil {
		email := ""
		if addrs := *d.EmailAddresses; len(addrs) > 0 {
			email = addrs[0].EmailAddress
		}
		out.Email = &email
	}

	if d.FirstName != nil || d.LastName != nil {
		var parts []string
		for _, p := range []*string{d.FirstName, d.LastName} {
			if p != nil && strings.TrimSpace(*p) != "" {
				parts = append(parts, strings.TrimSpace(*p))
			}
		}
		name := strings.Join(parts, " ")
		out.Name = &name
	}

	if d.PublicMetadata != nil {
		s, _ := d.PublicMetadata["role"].(string)
		role := model.ParseUserRole(s)
		out.Role = &role
	}

	return out, nil
}

// PaymentEvent is a Stripe checkout session or payment intent event that may
// move a purchase to a terminal status.
type PaymentEvent struct {
	Type string
	// Target is the status the event drives the purchase to.
	Target model.PurchaseStatus
	// ObjectID is the id of the session or intent the event is about.
	ObjectID string
	// PurchaseRef is the raw purchaseId metadata value. Empty when the
	// object carries no correlation key.
	PurchaseRef string
	// IntentID is the payment intent id, if known.
	IntentID string
	// AwaitingPayment is set for a completed checkout session whose payment
	// has not cleared yet (delayed payment methods). The async_payment
	// events that follow decide the outcome.
	AwaitingPayment bool
}

// ParsePaymentEvent decodes a payment event. ok is false for event types
// that do not affect purchases.
func ParsePaymentEvent(ev Event) (pe PaymentEvent, ok bool, err error) {
	target, ok := model.PaymentEventStatus(ev.Type)
	if !ok {
		return PaymentEvent{}, false, nil
	}
	pe = PaymentEvent{Type: ev.Type, Target: target}

	switch {
	case strings.HasPrefix(ev.Type, "checkout.session."):
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(ev.Data, &sess); err != nil {
			return PaymentEvent{}, true, fmt.Errorf("%w: %s object: %w", ErrMalformedEvent, ev.Type, err)
		}
		if sess.ID == "" {
			return PaymentEvent{}, true, fmt.Errorf("%w: %s object id is required", ErrMalformedEvent, ev.Type)
		}
		pe.ObjectID = sess.ID
		pe.PurchaseRef = sess.Metadata[PurchaseMetadataKey]
		if sess.PaymentIntent != nil {
			pe.IntentID = sess.PaymentIntent.ID
		}
		pe.AwaitingPayment = ev.Type == model.EventCheckoutSessionCompleted &&
			sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid
	case strings.HasPrefix(ev.Type, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data, &pi); err != nil {
			return PaymentEvent{}, true, fmt.Errorf("%w: %s object: %w", ErrMalformedEvent, ev.Type, err)
		}
		if pi.ID == "" {
			return PaymentEvent{}, true, fmt.Errorf("%w: %s object id is required", ErrMalformedEvent, ev.Type)
		}
		pe.ObjectID = pi.ID
		pe.PurchaseRef = pi.Metadata[PurchaseMetadataKey]
		pe.IntentID = pi.ID
	default:
		return PaymentEvent{}, false, nil
	}

	return pe, true, nil
}
