// Package webhook verifies and routes signed provider events.
//
// Verifiers authenticate the raw request body against a provider secret and
// return an Event envelope. The Router dispatches an Event by its exact type
// string. Parse functions turn an envelope into a typed variant, rejecting
// payloads that lack required fields.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentmart/agentmart/internal/model"
)

var (
	// ErrSignatureInvalid is returned when a payload cannot be authenticated.
	ErrSignatureInvalid = errors.New("webhook: signature invalid")
	// ErrMalformedEvent is returned when an authenticated payload lacks
	// required fields or cannot be decoded.
	ErrMalformedEvent = errors.New("webhook: malformed event")
)

// Event is a verified provider event.
type Event struct {
	Provider model.WebhookProvider
	ID       string
	Type     string
	// Data is the event's subject object: the Stripe data.object or the
	// Clerk data field.
	Data json.RawMessage
}

// Verifier authenticates a raw request body. body must be the exact bytes
// received; re-encoded JSON will not match the signature.
type Verifier interface {
	Verify(body []byte, header http.Header) (Event, error)
}

// HandlerFunc handles one event type.
type HandlerFunc func(ctx context.Context, ev Event) error
