package billing

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v84"

	"github.com/agentmart/agentmart/internal/webhook"
)

// StripeCheckout creates one-off payment Checkout Sessions.
type StripeCheckout struct {
	client *stripe.Client
}

// NewStripeCheckout creates a provider backed by the Stripe API.
func NewStripeCheckout(secretKey string, opts ...stripe.ClientOption) *StripeCheckout {
	return &StripeCheckout{client: stripe.NewClient(secretKey, opts...)}
}

// CreateCheckout implements CheckoutProvider. The purchase id goes into the
// session metadata only. A declined attempt fails the session's payment
// intent while the customer may still pay in the same session, so intent
// events must not settle the purchase.
func (c *StripeCheckout) CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	meta := map[string]string{webhook.PurchaseMetadataKey: req.PurchaseID.String()}

	product := &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
		Name: stripe.String(req.ProductName),
	}
	if req.Description != "" {
		product.Description = stripe.String(req.Description)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
					Currency:    stripe.String(req.Currency),
					UnitAmount:  stripe.Int64(int64(req.Amount)),
					ProductData: product,
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata:          meta,
		ClientReferenceID: stripe.String(req.PurchaseID.String()),
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	sess, err := c.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("billing: create checkout session: %w", err)
	}
	return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}
