// Package ratelimit throttles callers of the gate per client address
// before any pricing or settlement work is done.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vitwit/x402gate/logger"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

const retryAfter = "60"

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter.
type Limiter struct {
	store extratelimit.Limiter
	log   logger.Logger
}

// NewLimiter allows rpm requests per client per minute, counted in Redis.
func NewLimiter(rdb *redis.Client, rpm int, log logger.Logger) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(rpm),
		extratelimit.WithWindow(time.Minute),
	)
	return NewTestLimiter(store, log)
}

func NewTestLimiter(store extratelimit.Limiter, log logger.Logger) *Limiter {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Limiter{store: store, log: log}
}

func key(client string) string {
	return fmt.Sprintf("ratelimit:client:%s", client)
}

func (l *Limiter) Allow(ctx context.Context, client string) (bool, error) {
	res, err := l.store.Allow(ctx, key(client))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// Middleware answers 429 when the caller is over its limit. A store error
// also refuses the request.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientAddr(r)
		allowed, err := l.Allow(r.Context(), client)
		if err != nil {
			l.log.Error("rate limiter unavailable", map[string]any{"client": client, "error": err})
		}
		if err != nil || !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "RATE_LIMITED",
				"message": "rate limit exceeded",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr is the host part of RemoteAddr. Behind a proxy, mount
// chi's middleware.RealIP first so RemoteAddr carries the forwarded address.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
