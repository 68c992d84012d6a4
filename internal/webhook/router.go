package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/agentmart/agentmart/internal/model"
)

// Result classifies what Dispatch did with an event.
type Result string

const (
	ResultHandled   Result = "handled"
	ResultIgnored   Result = "ignored"
	ResultDuplicate Result = "duplicate"
	ResultFailed    Result = "failed"
)

// Ledger remembers events that were handled successfully.
type Ledger interface {
	WebhookProcessed(ctx context.Context, provider model.WebhookProvider, eventID string) (bool, error)
	MarkWebhookProcessed(ctx context.Context, provider model.WebhookProvider, eventID, eventType string) error
}

// Observer is told the result of every dispatch.
type Observer func(ev Event, result Result)

// Router maps exact event type strings to handlers.
type Router struct {
	handlers map[string]HandlerFunc
	ledger   Ledger
	observer Observer
	logger   *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLedger skips events already recorded as processed and records events
// whose handler succeeded.
func WithLedger(l Ledger) RouterOption {
	return func(r *Router) { r.ledger = l }
}

// WithObserver installs a dispatch observer, typically a metrics recorder.
func WithObserver(o Observer) RouterOption {
	return func(r *Router) { r.observer = o }
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{handlers: make(map[string]HandlerFunc), logger: logger}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register binds h to eventType, replacing any earlier handler.
func (r *Router) Register(eventType string, h HandlerFunc) {
	r.handlers[eventType] = h
}

// Handles reports whether a handler is registered for eventType.
func (r *Router) Handles(eventType string) bool {
	_, ok := r.handlers[eventType]
	return ok
}

// Dispatch runs the handler registered for ev.Type. Unregistered types are
// acknowledged with ResultIgnored and no error. A handler error or panic is
// returned so the caller can answer with a status that makes the provider
// redeliver.
func (r *Router) Dispatch(ctx context.Context, ev Event) (result Result, err error) {
	defer func() {
		if r.observer != nil {
			r.observer(ev, result)
		}
	}()

	h, ok := r.handlers[ev.Type]
	if !ok {
		r.logger.Info("webhook: ignoring unhandled event type",
			"provider", ev.Provider, "event_id", ev.ID, "type", ev.Type)
		return ResultIgnored, nil
	}

	if r.ledger != nil && ev.ID != "" {
		seen, lerr := r.ledger.WebhookProcessed(ctx, ev.Provider, ev.ID)
		if lerr != nil {
			r.logger.Warn("webhook: ledger lookup failed, handling anyway",
				"provider", ev.Provider, "event_id", ev.ID, "error", lerr)
		} else if seen {
			r.logger.Info("webhook: event already processed",
				"provider", ev.Provider, "event_id", ev.ID, "type", ev.Type)
			return ResultDuplicate, nil
		}
	}

	if err := r.invoke(ctx, h, ev); err != nil {
		return ResultFailed, err
	}

	if r.ledger != nil && ev.ID != "" {
		if lerr := r.ledger.MarkWebhookProcessed(ctx, ev.Provider, ev.ID, ev.Type); lerr != nil {
			r.logger.Warn("webhook: ledger record failed",
				"provider", ev.Provider, "event_id", ev.ID, "error", lerr)
		}
	}
	return ResultHandled, nil
}

func (r *Router) invoke(ctx context.Context, h HandlerFunc, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("webhook: handler panic",
				"provider", ev.Provider, "event_id", ev.ID, "type", ev.Type,
				"panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("webhook: %s handler panic: %v", ev.Type, p)
		}
	}()
	return h(ctx, ev)
}
