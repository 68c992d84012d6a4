package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentmart/agentmart/internal/model"
)

const userColumns = `id, email, name, image_url, role, resume, created_at, updated_at`

func scanUser(row pgx.Row) (model.User, error) {
	var u model.User
	var role string
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.ImageURL, &role, &u.Resume, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return model.User{}, err
	}
	u.Role = model.UserRole(role)
	return u, nil
}

// CreateUser inserts a user. Returns ErrDuplicate if the id already exists.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if u.Role == "" {
		u.Role = model.RoleOrdinary
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, image_url, role, resume, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.Name, u.ImageURL, string(u.Role), u.Resume, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("storage: create user %s: %w", u.ID, ErrDuplicate)
		}
		return model.User{}, fmt.Errorf("storage: create user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with the given id.
func (db *DB) GetUser(ctx context.Context, id string) (model.User, error) {
	u, err := scanUser(db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, fmt.Errorf("storage: user %s: %w", id, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// UpdateUser applies a partial update. Nil patch fields keep their current
// values. Returns ErrNotFound if no user has the id.
func (db *DB) UpdateUser(ctx context.Context, id string, patch model.UserPatch) (model.User, error) {
	var role *string
	if patch.Role != nil {
		r := string(*patch.Role)
		role = &r
	}

	u, err := scanUser(db.pool.QueryRow(ctx,
		`UPDATE users SET
			email = COALESCE($2, email),
			name = COALESCE($3, name),
			image_url = COALESCE($4, image_url),
			role = COALESCE($5, role),
			updated_at = now()
		 WHERE id = $1
		 RETURNING `+userColumns,
		id, patch.Email, patch.Name, patch.ImageURL, role,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, fmt.Errorf("storage: user %s: %w", id, ErrNotFound)
		}
		return model.User{}, fmt.Errorf("storage: update user: %w", err)
	}
	return u, nil
}

// DeleteUser removes a user. It reports whether a row was deleted; deleting
// an absent user is not an error.
func (db *DB) DeleteUser(ctx context.Context, id string) (bool, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("storage: delete user: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
