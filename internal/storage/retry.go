package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agentmart/agentmart/internal/retry"
)

// isRetriable returns true for Postgres error codes that indicate a transient conflict.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// WithRetry executes fn, retrying up to maxRetries times on serialization or deadlock errors.
// Retries use jittered exponential backoff starting at baseDelay. Any other error is returned
// after the first attempt.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	_, err := retry.Do(ctx, retry.Policy{
		MaxAttempts:     uint(maxRetries + 1), //nolint:gosec // small positive constant
		InitialInterval: baseDelay,
		MaxInterval:     baseDelay << maxRetries,
		Retryable:       isRetriable,
	}, func(context.Context) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
