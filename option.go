package x402gate

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vitwit/x402gate/budget"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/metrics"
)

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics replaces the default Prometheus recorder. /metrics is only
// served when r also exposes Handler() http.Handler.
func WithMetrics(r metrics.Recorder) Option {
	return func(s *Server) {
		s.metrics = r
	}
}

// WithTimeout overrides the facilitator request timeout from the config.
func WithTimeout(t time.Duration) Option {
	return func(s *Server) {
		s.timeout = t
	}
}

// WithStore uses store for budgets instead of opening the configured one.
// The caller keeps ownership of store.
func WithStore(store budget.Store) Option {
	return func(s *Server) {
		s.store = store
		s.ownsStore = false
	}
}

// WithRedis shares rdb between the budget store and the rate limiter
// instead of dialing the configured addresses.
func WithRedis(rdb *redis.Client) Option {
	return func(s *Server) {
		s.rdb = rdb
	}
}
