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

const purchaseColumns = `id, agent_id, user_id, amount_cents, currency, status,
	payment_intent_id, checkout_session_id, created_at, updated_at`

func scanPurchase(row pgx.Row) (model.Purchase, error) {
	var p model.Purchase
	var amount int64
	var status string
	if err := row.Scan(&p.ID, &p.AgentID, &p.UserID, &amount, &p.Currency, &status,
		&p.PaymentIntentID, &p.CheckoutSessionID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return model.Purchase{}, err
	}
	p.Amount = model.Cents(amount)
	p.Status = model.PurchaseStatus(status)
	return p, nil
}

// CreatePurchase inserts a purchase. A zero status is stored as pending.
func (db *DB) CreatePurchase(ctx context.Context, p model.Purchase) (model.Purchase, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = model.PurchasePending
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO purchases (id, agent_id, user_id, amount_cents, currency, status,
		                        payment_intent_id, checkout_session_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.AgentID, p.UserID, int64(p.Amount), p.Currency, string(p.Status),
		p.PaymentIntentID, p.CheckoutSessionID, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return model.Purchase{}, fmt.Errorf("storage: create purchase %s: %w", p.ID, ErrDuplicate)
		case isForeignKeyViolation(err):
			return model.Purchase{}, fmt.Errorf("storage: agent %s: %w", p.AgentID, ErrNotFound)
		}
		return model.Purchase{}, fmt.Errorf("storage: create purchase: %w", err)
	}
	return p, nil
}

// GetPurchase returns the purchase with the given id.
func (db *DB) GetPurchase(ctx context.Context, id uuid.UUID) (model.Purchase, error) {
	p, err := scanPurchase(db.pool.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Purchase{}, fmt.Errorf("storage: purchase %s: %w", id, ErrNotFound)
		}
		return model.Purchase{}, fmt.Errorf("storage: get purchase: %w", err)
	}
	return p, nil
}

// ListPurchasesByUser returns a user's purchases, newest first.
func (db *DB) ListPurchasesByUser(ctx context.Context, userID string) ([]model.Purchase, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+purchaseColumns+` FROM purchases
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list purchases: %w", err)
	}
	defer rows.Close()

	purchases := []model.Purchase{}
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

// ApplyPurchaseStatus moves a pending purchase to a terminal status and records
// the payment intent id in the same transaction. When the purchase completes,
// an agent run is created for it exactly once.
//
// Purchases already in the target status are left as they are, except that a
// missing intent id is filled in. Purchases in the other terminal status are
// never changed. The returned purchase reflects the stored row after the call.
func (db *DB) ApplyPurchaseStatus(ctx context.Context, id uuid.UUID, target model.PurchaseStatus, intentID string) (model.TransitionOutcome, model.Purchase, error) {
	if !target.Terminal() {
		return "", model.Purchase{}, fmt.Errorf("storage: apply purchase status: %q is not terminal", target)
	}

	var (
		outcome model.TransitionOutcome
		result  model.Purchase
	)
	err := WithRetry(ctx, txMaxRetries, txBaseDelay, func() error {
		var err error
		outcome, result, err = db.applyPurchaseStatusTx(ctx, id, target, intentID)
		return err
	})
	if err != nil {
		return "", model.Purchase{}, err
	}
	return outcome, result, nil
}

func (db *DB) applyPurchaseStatusTx(ctx context.Context, id uuid.UUID, target model.PurchaseStatus, intentID string) (model.TransitionOutcome, model.Purchase, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return "", model.Purchase{}, fmt.Errorf("storage: begin purchase tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := scanPurchase(tx.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TransitionNotFound, model.Purchase{}, nil
		}
		return "", model.Purchase{}, fmt.Errorf("storage: lock purchase: %w", err)
	}

	outcome := model.Transition(current.Status, target)
	var intent *string
	if intentID != "" {
		intent = &intentID
	}

	switch outcome {
	case model.TransitionApplied:
		current, err = scanPurchase(tx.QueryRow(ctx,
			`UPDATE purchases
			 SET status = $2, payment_intent_id = COALESCE($3, payment_intent_id), updated_at = now()
			 WHERE id = $1
			 RETURNING `+purchaseColumns,
			id, string(target), intent))
		if err != nil {
			return "", model.Purchase{}, fmt.Errorf("storage: update purchase status: %w", err)
		}
	case model.TransitionUnchanged:
		if current.PaymentIntentID == nil && intent != nil {
			current, err = scanPurchase(tx.QueryRow(ctx,
				`UPDATE purchases SET payment_intent_id = $2, updated_at = now()
				 WHERE id = $1
				 RETURNING `+purchaseColumns,
				id, intentID))
			if err != nil {
				return "", model.Purchase{}, fmt.Errorf("storage: backfill payment intent: %w", err)
			}
		}
	default:
		return outcome, current, nil
	}

	if current.Status == model.PurchaseCompleted {
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_runs (id, agent_id, user_id, purchase_id)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (purchase_id) DO NOTHING`,
			uuid.New(), current.AgentID, current.UserID, current.ID,
		); err != nil {
			return "", model.Purchase{}, fmt.Errorf("storage: create agent run: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", model.Purchase{}, fmt.Errorf("storage: commit purchase tx: %w", err)
	}
	return outcome, current, nil
}
