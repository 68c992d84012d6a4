package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentmart/agentmart/internal/model"
)

// ListRunsByUser returns a user's agent runs joined with their agents, newest first.
func (db *DB) ListRunsByUser(ctx context.Context, userID string) ([]model.RunWithAgent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT r.id, r.agent_id, r.user_id, r.purchase_id, r.created_at,
		        a.id, a.name, a.description, a.price_per_run_cents
		 FROM agent_runs r
		 JOIN agents a ON a.id = r.agent_id
		 WHERE r.user_id = $1
		 ORDER BY r.created_at DESC, r.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	runs := []model.RunWithAgent{}
	for rows.Next() {
		var r model.RunWithAgent
		var price int64
		if err := rows.Scan(&r.ID, &r.AgentID, &r.UserID, &r.PurchaseID, &r.CreatedAt,
			&r.Agent.ID, &r.Agent.Name, &r.Agent.Description, &price); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		r.Agent.PricePerRun = model.Cents(price)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// HasRun reports whether userID has at least one run of agentID.
func (db *DB) HasRun(ctx context.Context, userID string, agentID uuid.UUID) (bool, error) {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_runs WHERE user_id = $1 AND agent_id = $2)`,
		userID, agentID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: check run: %w", err)
	}
	return exists, nil
}
