// Package quote sells spot token prices from CoinGecko to agents.
package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402gate/resource"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/types"
)

const DefaultAPIURL = "https://api.coingecko.com/api/v3"

// Symbols lists supported tickers in match order.
var Symbols = []string{"ETH", "BTC", "AVAX", "SOL", "USDC", "USDT", "MATIC", "LINK", "UNI", "AAVE"}

var coingeckoIDs = map[string]string{
	"ETH":   "ethereum",
	"BTC":   "bitcoin",
	"AVAX":  "avalanche-2",
	"SOL":   "solana",
	"USDC":  "usd-coin",
	"USDT":  "tether",
	"MATIC": "matic-network",
	"LINK":  "chainlink",
	"UNI":   "uniswap",
	"AAVE":  "aave",
}

const unknownSymbol = "I couldn't identify a cryptocurrency. Try ETH, BTC, AVAX, etc."

// ParseSymbol returns the first supported ticker mentioned in message.
func ParseSymbol(message string) (string, bool) {
	upper := strings.ToUpper(message)
	for _, s := range Symbols {
		if strings.Contains(upper, s) {
			return s, true
		}
	}
	return "", false
}

// PriceData is one spot quote.
type PriceData struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change24h"`
}

// Reply is the body returned to the caller.
type Reply struct {
	Success       bool       `json:"success"`
	AgentResponse string     `json:"agentResponse"`
	PriceData     *PriceData `json:"priceData,omitempty"`
	ServiceUsed   bool       `json:"serviceUsed"`
	Timestamp     string     `json:"timestamp,omitempty"`
}

type Resource struct {
	apiURL     string
	httpClient *http.Client
	now        func() time.Time
	log        logger.Logger
}

var errProvider = types.Errorf(types.ErrUpstreamUnavailable, "price provider unavailable")

type Option func(*Resource)

func WithAPIURL(u string) Option {
	return func(r *Resource) {
		if u != "" {
			r.apiURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resource) {
		r.httpClient = c
	}
}

func WithLogger(l logger.Logger) Option {
	return func(r *Resource) {
		r.log = l
	}
}

func New(opts ...Option) *Resource {
	r := &Resource{
		apiURL:     DefaultAPIURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		log:        logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Precheck answers unrecognized requests for free so no budget is spent on
// them.
func (r *Resource) Precheck(_ context.Context, req *resource.Request) (*resource.Result, error) {
	message, err := resource.ParseMessage(req.Body)
	if err != nil {
		return nil, err
	}
	if _, ok := ParseSymbol(message); !ok {
		return &resource.Result{Body: Reply{AgentResponse: unknownSymbol}}, nil
	}
	return nil, nil
}

func (r *Resource) Execute(ctx context.Context, req *resource.Request) (*resource.Result, error) {
	message, err := resource.ParseMessage(req.Body)
	if err != nil {
		return nil, err
	}
	symbol, ok := ParseSymbol(message)
	if !ok {
		return &resource.Result{Body: Reply{AgentResponse: unknownSymbol}}, nil
	}

	pd, err := r.Price(ctx, symbol)
	if err != nil {
		return nil, err
	}

	return &resource.Result{Body: Reply{
		Success:       true,
		AgentResponse: formatReply(pd),
		PriceData:     pd,
		ServiceUsed:   true,
		Timestamp:     r.now().UTC().Format(time.RFC3339),
	}}, nil
}

// Price fetches the USD price and 24h change for symbol.
func (r *Resource) Price(ctx context.Context, symbol string) (*PriceData, error) {
	id, ok := coingeckoIDs[strings.ToUpper(symbol)]
	if !ok {
		return nil, types.Errorf(types.ErrInvalidInput, "unknown token symbol %q", symbol)
	}

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")
	q.Set("include_24hr_change", "true")
	u := fmt.Sprintf("%s/simple/price?%s", r.apiURL, q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(httpReq)
	if err != nil {
		r.log.Error("price provider unreachable", map[string]any{"symbol": symbol, "error": err})
		return nil, errProvider
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.log.Error("price provider error", map[string]any{"symbol": symbol, "status": resp.StatusCode})
		return nil, errProvider
	}

	var data map[string]struct {
		USD          *decimal.Decimal `json:"usd"`
		USD24hChange decimal.Decimal  `json:"usd_24h_change"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		r.log.Error("undecodable price response", map[string]any{"symbol": symbol, "error": err})
		return nil, errProvider
	}
	entry, ok := data[id]
	if !ok || entry.USD == nil {
		r.log.Warn("price provider has no quote", map[string]any{"symbol": symbol, "id": id})
		return nil, errProvider
	}

	return &PriceData{
		Symbol:    strings.ToUpper(symbol),
		Price:     *entry.USD,
		Change24h: entry.USD24hChange.Round(2),
	}, nil
}

func formatReply(pd *PriceData) string {
	trend := "📈"
	sign := "+"
	if pd.Change24h.IsNegative() {
		trend = "📉"
		sign = ""
	}

	price := "$" + pd.Price.StringFixed(2)
	if pd.Price.LessThan(decimal.NewFromInt(1)) {
		price = "$" + pd.Price.StringFixed(4)
	}

	return fmt.Sprintf("**%s** %s\n\nPrice: %s\n24h Change: %s%s%%", pd.Symbol, trend, price, sign, pd.Change24h.String())
}
