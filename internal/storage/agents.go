package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/agentmart/agentmart/internal/model"
)

const agentColumns = `id, name, description, creator_id, price_per_run_cents, published, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	var price int64
	if err := row.Scan(&a.ID, &a.Name, &a.Description, &a.CreatorID, &price, &a.Published, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return model.Agent{}, err
	}
	a.PricePerRun = model.Cents(price)
	a.Ratings = []model.Rating{}
	return a, nil
}

// CreateAgent inserts a new agent.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.Ratings == nil {
		agent.Ratings = []model.Rating{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, name, description, creator_id, price_per_run_cents, published, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		agent.ID, agent.Name, agent.Description, agent.CreatorID, int64(agent.PricePerRun),
		agent.Published, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Agent{}, fmt.Errorf("storage: create agent %s: %w", agent.ID, ErrDuplicate)
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent returns an agent with its ratings.
func (db *DB) GetAgent(ctx context.Context, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}

	agents := []model.Agent{a}
	if err := db.attachRatings(ctx, agents); err != nil {
		return model.Agent{}, err
	}
	return agents[0], nil
}

// ListAgents returns agents newest first. When publishedOnly is set, drafts
// are excluded.
func (db *DB) ListAgents(ctx context.Context, publishedOnly bool) ([]model.Agent, error) {
	return db.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE ($1 = false OR published)
		 ORDER BY created_at DESC, id`, publishedOnly)
}

// ListAgentsByCreator returns every agent owned by creatorID, newest first.
func (db *DB) ListAgentsByCreator(ctx context.Context, creatorID string) ([]model.Agent, error) {
	return db.queryAgents(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE creator_id = $1
		 ORDER BY created_at DESC, id`, creatorID)
}

func (db *DB) queryAgents(ctx context.Context, sql string, args ...any) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	agents := []model.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}

	if err := db.attachRatings(ctx, agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// attachRatings loads ratings for all agents in one query.
func (db *DB) attachRatings(ctx context.Context, agents []model.Agent) error {
	if len(agents) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(agents))
	index := make(map[uuid.UUID]int, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
		index[a.ID] = i
	}

	rows, err := db.pool.Query(ctx,
		`SELECT agent_id, user_id, rating, updated_at FROM agent_ratings
		 WHERE agent_id = ANY($1)
		 ORDER BY agent_id, created_at`, ids)
	if err != nil {
		return fmt.Errorf("storage: load ratings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var agentID uuid.UUID
		var r model.Rating
		var rating int16
		if err := rows.Scan(&agentID, &r.UserID, &rating, &r.UpdatedAt); err != nil {
			return fmt.Errorf("storage: scan rating: %w", err)
		}
		r.Rating = int(rating)
		if i, ok := index[agentID]; ok {
			agents[i].Ratings = append(agents[i].Ratings, r)
		}
	}
	return rows.Err()
}

// UpsertRating records userID's rating for agentID, replacing any earlier one.
func (db *DB) UpsertRating(ctx context.Context, agentID uuid.UUID, userID string, rating int) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_ratings (agent_id, user_id, rating)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (agent_id, user_id)
		 DO UPDATE SET rating = EXCLUDED.rating, updated_at = now()`,
		agentID, userID, int16(rating), //nolint:gosec // validated to 1..5
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return fmt.Errorf("storage: upsert rating: %w", err)
	}
	return nil
}

// CreatorStats aggregates completed purchases and ratings per agent owned by creatorID.
func (db *DB) CreatorStats(ctx context.Context, creatorID string) ([]model.CreatorAgentStats, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT a.id, a.name,
		        COALESCE(p.purchases, 0), COALESCE(p.earnings, 0),
		        COALESCE(r.average, 0), COALESCE(r.count, 0)
		 FROM agents a
		 LEFT JOIN (
		     SELECT agent_id, COUNT(*) AS purchases, SUM(amount_cents)::bigint AS earnings
		     FROM purchases WHERE status = 'completed'
		     GROUP BY agent_id
		 ) p ON p.agent_id = a.id
		 LEFT JOIN (
		     SELECT agent_id, AVG(rating)::float8 AS average, COUNT(*) AS count
		     FROM agent_ratings
		     GROUP BY agent_id
		 ) r ON r.agent_id = a.id
		 WHERE a.creator_id = $1
		 ORDER BY a.created_at DESC, a.id`, creatorID)
	if err != nil {
		return nil, fmt.Errorf("storage: creator stats: %w", err)
	}
	defer rows.Close()

	stats := []model.CreatorAgentStats{}
	for rows.Next() {
		var s model.CreatorAgentStats
		var purchases, ratingCount, earnings int64
		if err := rows.Scan(&s.AgentID, &s.Name, &purchases, &earnings, &s.AverageRating, &ratingCount); err != nil {
			return nil, fmt.Errorf("storage: scan creator stats: %w", err)
		}
		s.Purchases = int(purchases)
		s.Earnings = model.Cents(earnings)
		s.RatingCount = int(ratingCount)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
