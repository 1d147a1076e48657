// Package settlement is the boundary to the x402 facilitator: the external
// service that verifies signed payment authorizations and moves funds.
package settlement

import (
	"context"
	"net/http"
	"strconv"

	"github.com/vitwit/x402gate/types"
)

// Headers used by the x402 handshake.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// DefaultMaxTimeoutSeconds is advertised in challenges when not configured.
const DefaultMaxTimeoutSeconds = 300

// Client verifies and settles payment authorizations. Neither call is ever
// retried by the caller; a non-accepted result is relayed to the client as is.
type Client interface {
	// Verify checks the authorization in req.Payload against req.Price
	// without moving funds. An empty payload yields the 402 challenge.
	Verify(ctx context.Context, req *Request) (*types.SettlementResult, error)
	// Settle verifies and moves req.Price. An empty payload yields the 402
	// challenge.
	Settle(ctx context.Context, req *Request) (*types.SettlementResult, error)
}

// Request describes one settlement call.
type Request struct {
	ResourceURL string
	Method      string
	// Payload is the raw X-PAYMENT header value; empty means none was sent.
	Payload     string
	PayTo       string
	Network     types.Network
	Price       types.PriceQuote
	Description string
	MimeType    string
}

// Requirements builds the x402 payment requirements advertised for req.
func Requirements(req *Request, asset types.Asset, maxTimeoutSeconds int) types.PaymentRequirements {
	mime := req.MimeType
	if mime == "" {
		mime = "application/json"
	}
	if maxTimeoutSeconds <= 0 {
		maxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}
	payTo := req.PayTo
	if payTo == "" {
		payTo = req.Price.PayTo
	}
	network := req.Network
	if network == "" {
		network = req.Price.Network
	}

	return types.PaymentRequirements{
		Scheme:            req.Price.Scheme.String(),
		Network:           network.String(),
		MaxAmountRequired: strconv.FormatUint(req.Price.AmountMinorUnits, 10),
		Resource:          req.ResourceURL,
		Description:       req.Description,
		MimeType:          mime,
		PayTo:             payTo,
		MaxTimeoutSeconds: maxTimeoutSeconds,
		Asset:             req.Price.Asset,
		Extra: map[string]interface{}{
			"name":    asset.Name,
			"version": asset.Version,
			"method":  req.Method,
		},
	}
}

// accepted returns a successful result.
func accepted(payer string) *types.SettlementResult {
	return &types.SettlementResult{
		Accepted:   true,
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Payer:      payer,
	}
}
