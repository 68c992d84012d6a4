// Package ratelimit throttles API callers with a token bucket per key.
//
// The server keys buckets by user id for authenticated requests and by client
// address otherwise. Webhook endpoints are never limited: providers retry on
// 429 and a throttled delivery only delays reconciliation.
package ratelimit

import (
	"context"
	"time"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed.
	// The key is opaque; callers construct it (e.g. "user:<id>", "ip:<addr>").
	// An error signals a limiter malfunction, not a rejection.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// RetryAdvisor is implemented by limiters that can say when a rejected key
// will next be allowed.
type RetryAdvisor interface {
	RetryAfter(key string) time.Duration
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
