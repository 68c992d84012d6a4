package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/agentmart/agentmart/internal/model"
)

// StripeSignatureHeader carries the Stripe webhook signature.
const StripeSignatureHeader = "Stripe-Signature"

// StripeVerifier checks Stripe-Signature against the endpoint secret.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier returns a verifier for the given whsec_ secret using
// Stripe's default timestamp tolerance.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

// Verify implements Verifier. API version mismatches are tolerated because
// only metadata and ids are read from the object.
func (v *StripeVerifier) Verify(body []byte, header http.Header) (Event, error) {
	sig := header.Get(StripeSignatureHeader)
	if sig == "" {
		return Event{}, fmt.Errorf("%w: missing %s header", ErrSignatureInvalid, StripeSignatureHeader)
	}

	ev, err := webhook.ConstructEventWithOptions(body, sig, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isStripeSignatureError(err) {
			return Event{}, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
		}
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	if ev.ID == "" || ev.Type == "" || ev.Data == nil || len(ev.Data.Raw) == 0 {
		return Event{}, fmt.Errorf("%w: stripe event missing id, type, or data", ErrMalformedEvent)
	}

	return Event{
		Provider: model.ProviderStripe,
		ID:       ev.ID,
		Type:     string(ev.Type),
		Data:     ev.Data.Raw,
	}, nil
}

func isStripeSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}
