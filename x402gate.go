// Package x402gate assembles a payment-gated HTTP server from configuration:
// the facilitator client, the budget ledger and its store, the priced
// routes and their resources, rate limiting, health and metrics.
package x402gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/vitwit/x402gate/budget"
	"github.com/vitwit/x402gate/budget/memory"
	"github.com/vitwit/x402gate/budget/postgres"
	budgetredis "github.com/vitwit/x402gate/budget/redis"
	"github.com/vitwit/x402gate/budget/sqlite"
	"github.com/vitwit/x402gate/chain"
	"github.com/vitwit/x402gate/config"
	"github.com/vitwit/x402gate/gate"
	"github.com/vitwit/x402gate/hook"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/metrics"
	"github.com/vitwit/x402gate/ratelimit"
	"github.com/vitwit/x402gate/resource"
	"github.com/vitwit/x402gate/resource/chat"
	"github.com/vitwit/x402gate/resource/quote"
	"github.com/vitwit/x402gate/resource/static"
	"github.com/vitwit/x402gate/settlement"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/verification"
)

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = 1
)

// GetVersion returns version information.
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"version":          Version,
		"protocol_version": ProtocolVersion,
		"supported_networks": []string{
			string(types.NetworkAvalancheFuji), string(types.NetworkAvalanche),
			string(types.NetworkBase), string(types.NetworkBaseSepolia),
			string(types.NetworkPolygon), string(types.NetworkPolygonAmoy),
		},
		"supported_schemes": []string{
			string(types.SchemeExact), string(types.SchemeUpTo), "budget",
		},
	}
}

// Server is a configured payment gate ready to be served.
type Server struct {
	cfg         *config.Config
	gate        *gate.Gate
	facilitator *settlement.Facilitator
	ledger      *budget.Ledger
	store       budget.Store
	ownsStore   bool
	limiter     *ratelimit.Limiter
	routes      []gate.Route
	rdb         *redis.Client
	ownsRedis   bool
	evm         *chain.EVM

	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration
}

// New builds a Server from cfg. cfg must already be validated; routes are
// checked again and any unusable price fails here.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, types.Errorf(types.ErrConfig, "configuration is required")
	}

	s := &Server{
		cfg:       cfg,
		ownsStore: true,
		logger:    logger.NoopLogger{},
		timeout:   cfg.Facilitator.Timeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewPrometheusRecorder()
	}

	if err := s.build(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context) error {
	cfg := s.cfg

	if s.rdb == nil && (cfg.Budget.Store == "redis" || cfg.RateLimit.Enabled) {
		// A redis budget store and the rate limiter share one client.
		addr := cfg.RateLimit.RedisAddr
		if cfg.Budget.Store == "redis" {
			addr = cfg.Budget.RedisAddr
		}
		rdb, err := dialRedis(ctx, addr)
		if err != nil {
			return err
		}
		s.rdb, s.ownsRedis = rdb, true
	}

	if s.store == nil {
		store, err := OpenStore(ctx, cfg.Budget, s.rdb)
		if err != nil {
			return err
		}
		s.store = store
	}
	s.ledger = budget.NewLedger(s.store,
		budget.WithMaxCeiling(uint64(cfg.Budget.MaxCeiling)),
		budget.WithMaxTTL(cfg.Budget.MaxTTL),
		budget.WithLogger(s.logger),
	)

	verifier := verification.NewVerifier(verification.WithVoucherSkew(cfg.Budget.VoucherSkew))

	facOpts := []settlement.Option{
		settlement.WithVerifier(verifier),
		settlement.WithLogger(s.logger),
		settlement.WithMetrics(s.metrics),
		settlement.WithTimeout(s.timeout),
		settlement.WithMaxTimeoutSeconds(cfg.Facilitator.MaxTimeoutSeconds),
	}
	if cfg.Facilitator.APIKey != "" {
		facOpts = append(facOpts, settlement.WithAPIKey(cfg.Facilitator.APIKey))
	}
	if cfg.Network.RPCURL != "" {
		evm, err := chain.Dial(ctx, cfg.Network.RPCURL)
		if err != nil {
			return err
		}
		s.evm = evm
		facOpts = append(facOpts, settlement.WithChainChecker(evm))
	}
	fac, err := settlement.NewFacilitator(cfg.Facilitator.URL, cfg.Asset(), facOpts...)
	if err != nil {
		return err
	}
	s.facilitator = fac

	g, err := gate.New(fac, cfg.QuoteContext(),
		gate.WithLedger(s.ledger),
		gate.WithBudgetTTL(cfg.Budget.DefaultTTL),
		gate.WithVerifier(verifier),
		gate.WithBaseURL(cfg.BaseURL),
		gate.WithDecimals(cfg.Network.Decimals),
		gate.WithSettlementTimeout(cfg.Facilitator.SettlementTimeout),
		gate.WithLogger(s.logger),
		gate.WithMetrics(s.metrics),
	)
	if err != nil {
		return err
	}
	s.gate = g

	routes, err := buildRoutes(cfg.Routes, s.logger)
	if err != nil {
		return err
	}
	s.routes = routes

	if cfg.RateLimit.Enabled {
		s.limiter = ratelimit.NewLimiter(s.rdb, cfg.RateLimit.RequestsPerMinute, s.logger)
	}
	return nil
}

func dialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// OpenStore opens the configured budget store. A redis store uses rdb when
// set and dials cfg.RedisAddr otherwise.
func OpenStore(ctx context.Context, cfg config.BudgetConfig, rdb *redis.Client) (budget.Store, error) {
	switch cfg.Store {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(cfg.DSN)
	case "postgres":
		return postgres.Open(ctx, cfg.DSN)
	case "redis":
		if rdb == nil {
			var err error
			if rdb, err = dialRedis(ctx, cfg.RedisAddr); err != nil {
				return nil, err
			}
		}
		return budgetredis.New(rdb, cfg.RedisPrefix), nil
	default:
		return nil, types.Errorf(types.ErrConfig, "unknown budget store %q", cfg.Store)
	}
}

// Routes converts route configuration into gate routes with their
// resources and hooks.
func Routes(cfgs []config.RouteConfig) ([]gate.Route, error) {
	return buildRoutes(cfgs, logger.NoopLogger{})
}

func buildRoutes(cfgs []config.RouteConfig, log logger.Logger) ([]gate.Route, error) {
	routes := make([]gate.Route, 0, len(cfgs))
	for _, rc := range cfgs {
		scheme, err := rc.Scheme.PricingScheme()
		if err != nil {
			return nil, types.Errorf(types.ErrInvalidScheme, "route %q: %s", rc.Name, err.Error())
		}
		res, err := newResource(rc, log)
		if err != nil {
			return nil, err
		}

		route := gate.Route{
			Name:        rc.Name,
			Method:      rc.Method,
			Path:        rc.Path,
			Description: rc.Description,
			MimeType:    "application/json",
			Scheme:      scheme,
			Resource:    res,
		}
		if rc.Webhook.URL != "" {
			var opts []hook.Option
			if rc.Webhook.Secret != "" {
				opts = append(opts, hook.WithSecret(rc.Webhook.Secret))
			}
			route.Hook = hook.NewWebhook(rc.Webhook.URL, opts...)
		}
		routes = append(routes, route)
	}
	return routes, nil
}

func newResource(rc config.RouteConfig, log logger.Logger) (resource.Resource, error) {
	switch rc.Resource.Kind {
	case "static":
		tier := rc.Resource.Tier
		if tier == "" {
			tier = rc.Name
		}
		return static.New(tier, rc.Resource.Content), nil
	case "chat":
		opts := []chat.Option{chat.WithLogger(log)}
		if rc.Resource.APIURL != "" {
			opts = append(opts, chat.WithAPIURL(rc.Resource.APIURL))
		}
		if rc.Resource.Model != "" {
			opts = append(opts, chat.WithModel(rc.Resource.Model))
		}
		return chat.New(rc.Resource.APIKey, opts...), nil
	case "quote":
		opts := []quote.Option{quote.WithLogger(log)}
		if rc.Resource.APIURL != "" {
			opts = append(opts, quote.WithAPIURL(rc.Resource.APIURL))
		}
		return quote.New(opts...), nil
	default:
		return nil, types.Errorf(types.ErrConfig, "route %q: unknown resource kind %q", rc.Name, rc.Resource.Kind)
	}
}

// Router returns the HTTP surface: the priced routes, the budget endpoints,
// /healthz and /metrics.
func (s *Server) Router() (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.health)
	if h, ok := s.metrics.(interface{ Handler() http.Handler }); ok {
		r.Method(http.MethodGet, "/metrics", h.Handler())
	}

	var mountErr error
	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		mountErr = s.gate.Mount(r, s.routes)
	})
	if mountErr != nil {
		return nil, mountErr
	}
	return r, nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"status":"ok","service":"x402gate","version":%q,"network":%q}`, Version, s.cfg.Network.Name)
}

// Ledger returns the budget ledger.
func (s *Server) Ledger() *budget.Ledger {
	return s.ledger
}

// Gate returns the payment gate.
func (s *Server) Gate() *gate.Gate {
	return s.gate
}

// Close releases the store and Redis connections the server opened.
func (s *Server) Close() error {
	var errs []error
	if s.store != nil && s.ownsStore {
		// The redis store's Close would close the shared client.
		if _, ok := s.store.(*budgetredis.Store); !ok {
			errs = append(errs, s.store.Close())
		}
	}
	if s.rdb != nil && s.ownsRedis {
		errs = append(errs, s.rdb.Close())
	}
	if s.evm != nil {
		s.evm.Close()
	}
	return errors.Join(errs...)
}
