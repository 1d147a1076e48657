// Package config loads the gate's YAML configuration.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitwit/x402gate/pricing"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
	"gopkg.in/yaml.v3"
)

// Config holds all gate configuration.
type Config struct {
	Listen      string            `yaml:"listen" validate:"required"`
	BaseURL     string            `yaml:"base_url" validate:"omitempty,url"`
	LogLevel    string            `yaml:"log_level" validate:"oneof=debug info warn error"`
	Network     NetworkConfig     `yaml:"network"`
	Facilitator FacilitatorConfig `yaml:"facilitator"`
	Budget      BudgetConfig      `yaml:"budget"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Routes      []RouteConfig     `yaml:"routes" validate:"dive"`
}

// NetworkConfig names the chain and token payments settle in.
type NetworkConfig struct {
	Name string `yaml:"name" validate:"required"`
	// ChainID is optional; when set it must match Name.
	ChainID      int64  `yaml:"chain_id"`
	Asset        string `yaml:"asset" validate:"required,eth_addr"`
	AssetName    string `yaml:"asset_name" validate:"required"`
	AssetVersion string `yaml:"asset_version" validate:"required"`
	Decimals     int32  `yaml:"decimals" validate:"gte=0,lte=18"`
	PayTo        string `yaml:"pay_to" validate:"required,eth_addr"`
	// RPCURL enables on-chain balance and nonce checks before settlement.
	RPCURL string `yaml:"rpc_url" validate:"omitempty,url"`
}

type FacilitatorConfig struct {
	URL     string        `yaml:"url" validate:"required,url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	// SettlementTimeout bounds a settlement detached from the caller.
	SettlementTimeout time.Duration `yaml:"settlement_timeout" validate:"gt=0"`
	MaxTimeoutSeconds int           `yaml:"max_timeout_seconds" validate:"gt=0"`
}

// BudgetConfig selects the ledger store and its limits.
type BudgetConfig struct {
	Store       string        `yaml:"store" validate:"oneof=memory sqlite postgres redis"`
	DSN         string        `yaml:"dsn" validate:"required_if=Store sqlite,required_if=Store postgres"`
	RedisAddr   string        `yaml:"redis_addr" validate:"required_if=Store redis"`
	RedisPrefix string        `yaml:"redis_prefix"`
	MaxCeiling  Amount        `yaml:"max_ceiling" validate:"gt=0"`
	DefaultTTL  time.Duration `yaml:"default_ttl" validate:"gt=0"`
	MaxTTL      time.Duration `yaml:"max_ttl" validate:"gtefield=DefaultTTL"`
	VoucherSkew time.Duration `yaml:"voucher_skew" validate:"gt=0"`
}

type TelemetryConfig struct {
	Exporter    string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint    string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	ServiceName string `yaml:"service_name"`
}

type RateLimitConfig struct {
	Enabled           bool   `yaml:"enabled"`
	RequestsPerMinute int    `yaml:"requests_per_minute" validate:"required_if=Enabled true,gte=0"`
	RedisAddr         string `yaml:"redis_addr" validate:"required_if=Enabled true"`
}

// RouteConfig declares one priced endpoint.
type RouteConfig struct {
	Name        string         `yaml:"name" validate:"required"`
	Method      string         `yaml:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	Path        string         `yaml:"path" validate:"required,startswith=/"`
	Description string         `yaml:"description"`
	Scheme      SchemeConfig   `yaml:"scheme"`
	Resource    ResourceConfig `yaml:"resource"`
	Webhook     WebhookConfig  `yaml:"webhook"`
}

// SchemeConfig is the YAML form of a pricing.Scheme.
type SchemeConfig struct {
	Kind      string `yaml:"kind" validate:"oneof=fixed upto budget"`
	Amount    Amount `yaml:"amount"`
	Ceiling   Amount `yaml:"ceiling"`
	RatePer1K Amount `yaml:"rate_per_1k"`
	Minimum   Amount `yaml:"minimum"`
	PerCall   Amount `yaml:"per_call"`
}

type ResourceConfig struct {
	Kind    string `yaml:"kind" validate:"oneof=static chat quote"`
	Tier    string `yaml:"tier"`
	Content string `yaml:"content"`
	APIURL  string `yaml:"api_url" validate:"omitempty,url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// WebhookConfig enables the post-settlement webhook when URL is set.
type WebhookConfig struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Secret string `yaml:"secret"`
}

// Amount is an asset amount in minor units. In YAML it is written either
// as an integer of minor units ("10000") or as a dollar amount ("$0.01").
type Amount uint64

func (a *Amount) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseAmount(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*a = Amount(v)
	return nil
}

// ParseAmount parses minor units or a "$"-prefixed dollar amount of a
// 6-decimal asset.
func ParseAmount(s string) (uint64, error) {
	return ParseAmountDecimals(s, pricing.USDCDecimals)
}

// ParseAmountDecimals is ParseAmount for an asset with the given decimals.
func ParseAmountDecimals(s string, decimals int32) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "$") {
		return utils.ParseAmountWithDecimals(strings.TrimPrefix(s, "$"), decimals)
	}
	return utils.ParseMinorUnits(s)
}

var amountKeys = map[string]bool{
	"max_ceiling": true,
	"amount":      true,
	"ceiling":     true,
	"rate_per_1k": true,
	"minimum":     true,
	"per_call":    true,
}

// resolveDollars rewrites "$" amounts under amount keys into minor units of
// an asset with the given decimals.
func resolveDollars(n *yaml.Node, decimals int32) error {
	if n.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			if amountKeys[key.Value] && val.Kind == yaml.ScalarNode && strings.HasPrefix(strings.TrimSpace(val.Value), "$") {
				v, err := ParseAmountDecimals(val.Value, decimals)
				if err != nil {
					return fmt.Errorf("line %d: %w", val.Line, err)
				}
				val.Value = strconv.FormatUint(v, 10)
				val.Tag = "!!int"
				continue
			}
			if err := resolveDollars(val, decimals); err != nil {
				return err
			}
		}
		return nil
	}
	for _, c := range n.Content {
		if err := resolveDollars(c, decimals); err != nil {
			return err
		}
	}
	return nil
}

// PricingScheme converts the YAML scheme to a pricing.Scheme.
func (s SchemeConfig) PricingScheme() (pricing.Scheme, error) {
	var scheme pricing.Scheme
	switch s.Kind {
	case string(pricing.KindFixed):
		scheme = pricing.Fixed{Amount: uint64(s.Amount)}
	case string(pricing.KindUpTo):
		scheme = pricing.UpTo{Ceiling: uint64(s.Ceiling), RatePer1K: uint64(s.RatePer1K), Minimum: uint64(s.Minimum)}
	case string(pricing.KindBudget):
		scheme = pricing.Budget{PerCall: uint64(s.PerCall)}
	default:
		return nil, types.Errorf(types.ErrInvalidScheme, "unknown pricing scheme %q", s.Kind)
	}
	if err := pricing.Validate(scheme); err != nil {
		return nil, err
	}
	return scheme, nil
}

// Default returns the shipped configuration: the four demo routes on
// Avalanche Fuji USDC with an in-memory ledger.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		LogLevel: "info",
		Network: NetworkConfig{
			Name:         string(types.NetworkAvalancheFuji),
			Asset:        types.USDCFuji.Address,
			AssetName:    types.USDCFuji.Name,
			AssetVersion: types.USDCFuji.Version,
			Decimals:     int32(types.USDCFuji.Decimals),
		},
		Facilitator: FacilitatorConfig{
			URL:               "https://x402.org/facilitator",
			Timeout:           30 * time.Second,
			SettlementTimeout: 60 * time.Second,
			MaxTimeoutSeconds: 300,
		},
		Budget: BudgetConfig{
			Store:       "memory",
			RedisPrefix: "x402gate:budget",
			MaxCeiling:  5_000_000,
			DefaultTTL:  time.Hour,
			MaxTTL:      24 * time.Hour,
			VoucherSkew: 5 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			Endpoint:    "localhost:4317",
			ServiceName: "x402gate",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
		},
		Routes: []RouteConfig{
			{
				Name:        "basic",
				Method:      "GET",
				Path:        "/api/basic",
				Description: "Access to basic tier content",
				Scheme:      SchemeConfig{Kind: "fixed", Amount: 10000},
				Resource: ResourceConfig{
					Kind:    "static",
					Tier:    "basic",
					Content: "Welcome to Basic tier! You now have access to standard features.",
				},
			},
			{
				Name:        "premium",
				Method:      "GET",
				Path:        "/api/premium",
				Description: "Access to premium tier content",
				Scheme:      SchemeConfig{Kind: "fixed", Amount: 150000},
				Resource: ResourceConfig{
					Kind:    "static",
					Tier:    "premium",
					Content: "Welcome to Vaquita Premium! You now have access to a premium pool with lots of perks!",
				},
			},
			{
				Name:        "ai-chat",
				Method:      "POST",
				Path:        "/api/ai-chat",
				Description: "AI chat completion billed by token usage",
				Scheme:      SchemeConfig{Kind: "upto", Ceiling: 500000, RatePer1K: 1000, Minimum: 1000},
				Resource:    ResourceConfig{Kind: "chat"},
			},
			{
				Name:        "agent",
				Method:      "POST",
				Path:        "/api/agent",
				Description: "Token price lookup paid from a pre-authorized budget",
				Scheme:      SchemeConfig{Kind: "budget", PerCall: 20000},
				Resource:    ResourceConfig{Kind: "quote"},
			},
		},
	}
}

// Load reads a .env file if present, then the YAML file at path with
// environment variables expanded, over Default. An empty path loads the
// defaults alone. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, types.Errorf(types.ErrConfig, "read config: %v", err)
		}
		if err := decode([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, types.Errorf(types.ErrConfig, "parse config: %v", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode reads the network decimals first so dollar amounts elsewhere in the
// document are converted with the asset's own precision.
func decode(data []byte, cfg *Config) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return err
	}
	if root.Kind == 0 {
		return nil
	}
	var head struct {
		Network struct {
			Decimals *int32 `yaml:"decimals"`
		} `yaml:"network"`
	}
	if err := root.Decode(&head); err != nil {
		return err
	}
	decimals := cfg.Network.Decimals
	if head.Network.Decimals != nil {
		decimals = *head.Network.Decimals
	}
	if err := resolveDollars(&root, decimals); err != nil {
		return err
	}
	return root.Decode(cfg)
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString(&c.Listen, "X402GATE_LISTEN")
	setString(&c.LogLevel, "X402GATE_LOG_LEVEL")
	setString(&c.Network.PayTo, "MERCHANT_WALLET_ADDRESS")
	setString(&c.Facilitator.URL, "X402GATE_FACILITATOR_URL")
	setString(&c.Facilitator.APIKey, "X402GATE_FACILITATOR_API_KEY")
	setString(&c.Network.RPCURL, "X402GATE_RPC_URL")

	for i := range c.Routes {
		if c.Routes[i].Resource.Kind == "chat" && c.Routes[i].Resource.APIKey == "" {
			setString(&c.Routes[i].Resource.APIKey, "OPENROUTER_API_KEY")
		}
	}
}

// Validate checks field constraints, then the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := utils.Validator().Struct(c); err != nil {
		return types.Errorf(types.ErrConfig, "invalid configuration: %v", err)
	}

	network := types.Network(c.Network.Name)
	chainID, ok := network.ChainID()
	if !ok {
		return types.Errorf(types.ErrConfig, "unsupported network %q", c.Network.Name)
	}
	if c.Network.ChainID != 0 && big.NewInt(c.Network.ChainID).Cmp(chainID) != 0 {
		return types.Errorf(types.ErrConfig, "chain_id %d does not match network %s (%s)", c.Network.ChainID, network, chainID)
	}

	names := map[string]bool{}
	paths := map[string]bool{}
	for _, r := range c.Routes {
		if names[r.Name] {
			return types.Errorf(types.ErrConfig, "duplicate route name %q", r.Name)
		}
		names[r.Name] = true
		key := r.Method + " " + r.Path
		if paths[key] {
			return types.Errorf(types.ErrConfig, "duplicate route %s", key)
		}
		paths[key] = true

		if _, err := r.Scheme.PricingScheme(); err != nil {
			return types.Errorf(types.ErrInvalidScheme, "route %q: %s", r.Name, err.Error())
		}
	}
	return nil
}

// Asset returns the settlement token.
func (c *Config) Asset() types.Asset {
	return types.Asset{
		Address:  c.Network.Asset,
		Name:     c.Network.AssetName,
		Version:  c.Network.AssetVersion,
		Decimals: int(c.Network.Decimals),
	}
}

// QuoteContext returns the terms every quote is issued under.
func (c *Config) QuoteContext() pricing.QuoteContext {
	return pricing.QuoteContext{
		Asset:   c.Network.Asset,
		PayTo:   c.Network.PayTo,
		Network: types.Network(c.Network.Name),
	}
}
