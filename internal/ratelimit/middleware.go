package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/agentmart/agentmart/internal/model"
)

// KeyFunc extracts the rate limit key from a request.
// Returns empty string to skip rate limiting for this request.
type KeyFunc func(r *http.Request) string

// Options configures Middleware.
type Options struct {
	// KeyFunc picks the bucket. Defaults to IPKeyFunc.
	KeyFunc KeyFunc
	// FailClosed rejects requests with 503 when the limiter errors.
	// Otherwise they are let through.
	FailClosed bool
	Logger     *slog.Logger
	// RequestID is echoed in the error envelope when set.
	RequestID func(r *http.Request) string
	// OnReject is called for each request answered with 429.
	OnReject func(r *http.Request)
}

// Middleware returns HTTP middleware that enforces limiter per key.
func Middleware(limiter Limiter, opts Options) func(http.Handler) http.Handler {
	keyFunc := opts.KeyFunc
	if keyFunc == nil {
		keyFunc = IPKeyFunc
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if limiter == nil || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			var requestID string
			if opts.RequestID != nil {
				requestID = opts.RequestID(r)
			}

			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Error("ratelimit: limiter error", "key", key, "error", err, "fail_closed", opts.FailClosed)
				if opts.FailClosed {
					writeError(w, http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable,
						"rate limiter unavailable", requestID)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				retryAfter := 1
				if adv, ok := limiter.(RetryAdvisor); ok {
					if s := int(math.Ceil(adv.RetryAfter(key).Seconds())); s > retryAfter {
						retryAfter = s
					}
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				if opts.OnReject != nil {
					opts.OnReject(r)
				}
				logger.Debug("ratelimit: request rejected", "key", key, "path", r.URL.Path)
				writeError(w, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many requests", requestID)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIResponse{
		Success:   false,
		Message:   message,
		Code:      code,
		RequestID: requestID,
	})
}

// IPKeyFunc keys requests by client IP, taken from RemoteAddr only.
// X-Forwarded-For is not trusted: any client can set it. Behind a proxy,
// have the proxy rewrite RemoteAddr instead.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
