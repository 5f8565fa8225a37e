package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/flourishlabs/beacon/internal/metrics"
	"github.com/flourishlabs/beacon/internal/redis"
)

// RateLimitMiddleware creates an HTTP middleware that enforces rate limits.
// The keyFunc extracts the rate limit key from the request (e.g., account ID,
// IP); fn names the guarded surface so different route groups count in
// separate windows.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, fn string, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Consume(r.Context(), key, fn)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(result.ResetIn.Seconds())))

			if !result.Allowed {
				metrics.RecordRateLimitRejection(fn)
				w.Header().Set("Retry-After", strconv.Itoa(int(result.ResetIn.Seconds())))
				w.Header().Set("Content-Type", "application/problem+json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(ErrorResponse{
					Type:   "rate_limit_exceeded",
					Title:  "Too Many Requests",
					Status: http.StatusTooManyRequests,
					Detail: "Rate limit exceeded. Please retry after the specified time.",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AccountKeyFunc extracts the account ID from the X-Account-ID header or
// query param.
func AccountKeyFunc(r *http.Request) string {
	if accountID := r.Header.Get("X-Account-ID"); accountID != "" {
		return "account:" + accountID
	}
	if accountID := r.URL.Query().Get("account_id"); accountID != "" {
		return "account:" + accountID
	}
	return ""
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}
