package payer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/settlement"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/verification"
)

// HeaderBudget carries a budget voucher.
const HeaderBudget = verification.HeaderBudget

// Response is the final response of a paid request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Paid is the amount authorized for the request; zero when no payment
	// was required.
	Paid       uint64
	Settlement *types.SettleResponse
}

// Client performs the x402 round trip: request, 402 challenge, sign,
// resubmit.
type Client struct {
	signer     *Signer
	httpClient *http.Client
	maxAmount  uint64
	logger     logger.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithMaxAmount refuses to sign challenges above max minor units.
func WithMaxAmount(max uint64) Option {
	return func(cl *Client) {
		cl.maxAmount = max
	}
}

func WithLogger(l logger.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

func NewClient(signer *Signer, opts ...Option) *Client {
	c := &Client{
		signer:     signer,
		httpClient: &http.Client{},
		logger:     logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends the request and, when challenged, pays and resends it once.
func (c *Client) Do(ctx context.Context, method, url string, body []byte) (*Response, error) {
	resp, err := c.send(ctx, method, url, body, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	var challenge types.X402Response
	if err := json.Unmarshal(resp.Body, &challenge); err != nil {
		return nil, fmt.Errorf("decode 402 challenge: %w", err)
	}
	req, err := c.choose(challenge.Accepts)
	if err != nil {
		return nil, err
	}
	amount, err := amountOf(req)
	if err != nil {
		return nil, fmt.Errorf("challenge amount: %w", err)
	}
	if c.maxAmount > 0 && amount > c.maxAmount {
		return nil, fmt.Errorf("challenge asks for %d, above the allowed maximum %d", amount, c.maxAmount)
	}

	header, err := c.signer.PaymentHeader(req)
	if err != nil {
		return nil, err
	}
	c.logger.Info("paying for resource", map[string]any{
		"url":     url,
		"scheme":  req.Scheme,
		"amount":  amount,
		"network": req.Network,
		"payer":   c.signer.Address(),
	})

	paid, err := c.send(ctx, method, url, body, map[string]string{settlement.HeaderPayment: header})
	if err != nil {
		return nil, err
	}
	paid.Paid = amount
	paid.Settlement = decodeSettlement(paid.Header.Get(settlement.HeaderPaymentResponse))
	return paid, nil
}

// DoWithVoucher sends the request with a budget voucher for resource.
func (c *Client) DoWithVoucher(ctx context.Context, method, url, resource string, body []byte) (*Response, error) {
	voucher, err := c.signer.Voucher(url, resource)
	if err != nil {
		return nil, err
	}
	return c.send(ctx, method, url, body, map[string]string{HeaderBudget: voucher})
}

func (c *Client) choose(accepts []types.PaymentRequirements) (types.PaymentRequirements, error) {
	for _, req := range accepts {
		if req.Scheme != types.SchemeExact.String() && req.Scheme != types.SchemeUpTo.String() {
			continue
		}
		if !types.Network(req.Network).IsSupported() {
			continue
		}
		return req, nil
	}
	return types.PaymentRequirements{}, fmt.Errorf("no supported payment requirements in challenge")
}

func (c *Client) send(ctx context.Context, method, url string, body []byte, headers map[string]string) (*Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

func decodeSettlement(header string) *types.SettleResponse {
	if header == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil
	}
	var sr types.SettleResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil
	}
	return &sr
}
