package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/agentmart/agentmart/internal/model"
	"github.com/agentmart/agentmart/internal/webhook"
)

// OutcomeRecorder counts purchase transitions.
type OutcomeRecorder interface {
	PurchaseTransition(outcome model.TransitionOutcome)
}

// PaymentSyncer applies Stripe payment events to purchases.
type PaymentSyncer struct {
	store    Store
	recorder OutcomeRecorder
	logger   *slog.Logger
}

// NewPaymentSyncer creates a PaymentSyncer. recorder may be nil.
func NewPaymentSyncer(store Store, recorder OutcomeRecorder, logger *slog.Logger) *PaymentSyncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentSyncer{store: store, recorder: recorder, logger: logger}
}

// Register binds the payment handlers on r.
func (p *PaymentSyncer) Register(r *webhook.Router) {
	for _, t := range []string{
		model.EventCheckoutSessionCompleted,
		model.EventCheckoutSessionAsyncPaymentOK,
		model.EventCheckoutSessionAsyncPaymentFailed,
		model.EventPaymentIntentSucceeded,
		model.EventPaymentIntentFailed,
	} {
		r.Register(t, p.Handle)
	}
}

// Handle moves the purchase named in the event's metadata to the status the
// event implies. Events without a usable purchase id and events for unknown
// purchases are logged and acknowledged. Only storage failures are returned.
func (p *PaymentSyncer) Handle(ctx context.Context, ev webhook.Event) error {
	pe, ok, err := webhook.ParsePaymentEvent(ev)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	log := p.logger.With("event_id", ev.ID, "type", ev.Type, "object_id", pe.ObjectID)

	if pe.AwaitingPayment {
		log.Info("billing: checkout completed but payment not yet cleared, waiting for async result",
			"purchase_ref", pe.PurchaseRef)
		return nil
	}

	if pe.PurchaseRef == "" {
		log.Warn("billing: payment event has no purchase id, skipping")
		return nil
	}
	purchaseID, err := uuid.Parse(pe.PurchaseRef)
	if err != nil {
		log.Warn("billing: payment event has invalid purchase id, skipping", "purchase_ref", pe.PurchaseRef)
		return nil
	}

	outcome, purchase, err := p.store.ApplyPurchaseStatus(ctx, purchaseID, pe.Target, pe.IntentID)
	if err != nil {
		return fmt.Errorf("billing: apply %s to purchase %s: %w", pe.Target, purchaseID, err)
	}
	if p.recorder != nil {
		p.recorder.PurchaseTransition(outcome)
	}

	log = log.With("purchase_id", purchaseID, "target", pe.Target, "outcome", outcome)
	switch outcome {
	case model.TransitionApplied:
		log.Info("billing: purchase updated", "status", purchase.Status)
	case model.TransitionUnchanged:
		log.Info("billing: purchase already in target status")
	case model.TransitionIgnored:
		log.Warn("billing: purchase already terminal, event ignored", "status", purchase.Status)
	case model.TransitionNotFound:
		log.Warn("billing: payment event for unknown purchase")
	}
	return nil
}
