package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/agentmart/agentmart/internal/model"
)

// ClerkVerifier checks Svix signatures on Clerk webhooks.
type ClerkVerifier struct {
	wh *svix.Webhook
}

// NewClerkVerifier returns a verifier for a whsec_ signing secret.
func NewClerkVerifier(secret string) (*ClerkVerifier, error) {
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("webhook: clerk signing secret: %w", err)
	}
	return &ClerkVerifier{wh: wh}, nil
}

type clerkEnvelope struct {
	Type   string          `json:"type"`
	Object string          `json:"object"`
	Data   json.RawMessage `json:"data"`
}

// Verify implements Verifier. The event id is the svix-id delivery header,
// which stays the same across redeliveries of one message.
func (v *ClerkVerifier) Verify(body []byte, header http.Header) (Event, error) {
	if err := v.wh.Verify(body, header); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	}

	var env clerkEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if env.Type == "" || len(env.Data) == 0 || string(env.Data) == "null" {
		return Event{}, fmt.Errorf("%w: clerk event missing type or data", ErrMalformedEvent)
	}

	return Event{
		Provider: model.ProviderClerk,
		ID:       header.Get("svix-id"),
		Type:     env.Type,
		Data:     env.Data,
	}, nil
}
