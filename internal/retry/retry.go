// Package retry runs an operation with bounded exponential backoff.
//
// Do returns either the operation's result or an error. A caller can tell the
// outcomes apart with errors.Is: ErrExhausted when every attempt failed or the
// time budget ran out, the context error when ctx ended first, and the
// operation's own error when it was permanent.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrExhausted is returned when the attempt or time budget runs out.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts     uint          // Total attempts including the first. 0 means 1.
	InitialInterval time.Duration // Delay before the second attempt.
	MaxInterval     time.Duration // Cap on a single delay.
	MaxElapsed      time.Duration // Overall budget. 0 means unbounded.

	// Retryable reports whether err is worth another attempt. Nil retries
	// every error that is not wrapped with Permanent.
	Retryable func(error) bool
}

// DefaultPolicy is a short policy for interactive request paths.
var DefaultPolicy = Policy{
	MaxAttempts:     4,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     time.Second,
	MaxElapsed:      3 * time.Second,
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a permanent error, or the policy is
// exhausted.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}

	var (
		tries     uint
		permanent bool
	)
	op := func() (T, error) {
		tries++
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
			return res, err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			permanent = true
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}

	res, err := backoff.Retry(ctx, op, opts...)
	if err == nil {
		return res, nil
	}
	if permanent {
		return res, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	return res, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, tries, err)
}
