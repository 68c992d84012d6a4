package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/agentmart/agentmart/internal/identity"
	"github.com/agentmart/agentmart/internal/model"
	"github.com/agentmart/agentmart/internal/storage"
	"github.com/agentmart/agentmart/internal/webhook"
)

// readWebhook reads the raw body and verifies it. On failure it writes the
// response and returns ok=false. Signature failures are answered by reject so
// each provider can keep its own error format.
func (h *Handlers) readWebhook(
	w http.ResponseWriter, r *http.Request,
	provider model.WebhookProvider, v webhook.Verifier,
	reject func(status int, code, msg string),
) (webhook.Event, bool) {
	if v == nil {
		h.metrics.WebhookRejected(provider, "unconfigured")
		reject(http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable, "Webhook not configured")
		return webhook.Event{}, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.metrics.WebhookRejected(provider, "too_large")
			reject(http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "payload too large")
			return webhook.Event{}, false
		}
		h.metrics.WebhookRejected(provider, "read")
		reject(http.StatusBadRequest, model.ErrCodeInvalidInput, "could not read body")
		return webhook.Event{}, false
	}

	ev, err := v.Verify(body, r.Header)
	if err != nil {
		reason, code := "malformed", model.ErrCodeMalformed
		if errors.Is(err, webhook.ErrSignatureInvalid) {
			reason, code = "signature", model.ErrCodeBadSignature
		}
		h.metrics.WebhookRejected(provider, reason)
		h.logger.Warn("webhook: rejected delivery",
			"provider", provider, "reason", reason, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		reject(http.StatusBadRequest, code, err.Error())
		return webhook.Event{}, false
	}
	return ev, true
}

// HandleClerkWebhook handles POST /clerk: user lifecycle events signed
// with Svix.
func (h *Handlers) HandleClerkWebhook(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.readWebhook(w, r, model.ProviderClerk, h.clerkVerifier, func(status int, code, msg string) {
		writeError(w, r, status, code, msg)
	})
	if !ok {
		return
	}

	_, err := h.clerkRouter.Dispatch(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, struct{}{})
	case errors.Is(err, identity.ErrDuplicateUser):
		// Acknowledged so the provider stops redelivering.
		writeJSON(w, http.StatusOK, model.APIResponse{
			Success:   false,
			Message:   "User already exists",
			Code:      model.ErrCodeDuplicate,
			RequestID: RequestIDFromContext(r.Context()),
		})
	case errors.Is(err, webhook.ErrMalformedEvent):
		h.metrics.WebhookRejected(model.ProviderClerk, "malformed")
		writeError(w, r, http.StatusBadRequest, model.ErrCodeMalformed, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		// The created event may still be in flight; a 404 makes Svix retry.
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "User Not Found")
	default:
		h.writeInternalError(w, r, "webhook: clerk handler failed", err)
	}
}

// HandleStripeWebhook handles POST /stripe: payment events signed with the
// endpoint secret.
func (h *Handlers) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ev, ok := h.readWebhook(w, r, model.ProviderStripe, h.stripeVerifier, func(status int, _, msg string) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, "Webhook Error: "+msg)
	})
	if !ok {
		return
	}

	_, err := h.stripeRouter.Dispatch(r.Context(), ev)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, model.StripeAck{Received: true})
	case errors.Is(err, webhook.ErrMalformedEvent):
		h.metrics.WebhookRejected(model.ProviderStripe, "malformed")
		writeError(w, r, http.StatusBadRequest, model.ErrCodeMalformed, err.Error())
	default:
		h.writeInternalError(w, r, "webhook: stripe handler failed", err)
	}
}
