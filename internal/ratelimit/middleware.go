// Package ratelimit throttles write traffic per organisation using
// ulule/limiter with a Redis-backed store.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/paveline/backend-pavedeck/internal/common"
	"github.com/paveline/backend-pavedeck/internal/org"
)

// NewRedisLimiter builds a limiter with the given rate backed by Redis.
func NewRedisLimiter(client *redis.Client, rate limiter.Rate) (*limiter.Limiter, error) {
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   "ratelimit",
		MaxRetry: 3,
	})
	if err != nil {
		return nil, err
	}
	return limiter.New(store, rate), nil
}

// Handler enforces a rate limit before delegating to the next handler.
// Requests are keyed per organisation; unresolved requests fall back to the
// client IP. Limiter errors fail open.
type Handler struct {
	Limiter *limiter.Limiter
	KeyFunc func(*http.Request) string
	OnError func(error)
}

// OrgKey keys the limit on the resolved organisation, falling back to client IP.
func OrgKey(r *http.Request) string {
	if id, ok := org.FromContext(r.Context()); ok {
		return "org:" + id
	}
	return "ip:" + common.ClientIP(r)
}

// Middleware implements the http.Handler middleware interface.
func (h Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		keyFunc := h.KeyFunc
		if keyFunc == nil {
			keyFunc = OrgKey
		}
		lctx, err := h.Limiter.Get(r.Context(), keyFunc(r))
		if err != nil {
			if h.OnError != nil {
				h.OnError(err)
			}
			next.ServeHTTP(w, r)
			return
		}

		headers := w.Header()
		headers.Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		headers.Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			retryAfter := lctx.Reset - time.Now().Unix()
			if retryAfter < 0 {
				retryAfter = 0
			}
			headers.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
