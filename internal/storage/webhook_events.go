package storage

import (
	"context"
	"fmt"

	"github.com/agentmart/agentmart/internal/model"
)

// WebhookProcessed reports whether the event was already handled.
func (db *DB) WebhookProcessed(ctx context.Context, provider model.WebhookProvider, eventID string) (bool, error) {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2)`,
		string(provider), eventID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: check webhook event: %w", err)
	}
	return exists, nil
}

// MarkWebhookProcessed records a handled event. Recording the same event twice is a no-op.
func (db *DB) MarkWebhookProcessed(ctx context.Context, provider model.WebhookProvider, eventID, eventType string) error {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO webhook_events (provider, event_id, event_type)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (provider, event_id) DO NOTHING`,
		string(provider), eventID, eventType,
	); err != nil {
		return fmt.Errorf("storage: mark webhook event: %w", err)
	}
	return nil
}

// PruneWebhookEvents deletes ledger rows older than the given number of days.
func (db *DB) PruneWebhookEvents(ctx context.Context, olderThanDays int) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM webhook_events WHERE processed_at < now() - make_interval(days => $1)`,
		olderThanDays)
	if err != nil {
		return 0, fmt.Errorf("storage: prune webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}
