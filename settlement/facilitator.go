package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/metrics"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
	"github.com/vitwit/x402gate/verification"
)

const maxResponseBytes = 1 << 20

// Facilitator is a Client backed by an x402 facilitator's HTTP API
// (POST /verify and POST /settle).
type Facilitator struct {
	baseURL           string
	apiKey            string
	asset             types.Asset
	maxTimeoutSeconds int
	timeout           time.Duration

	httpClient *http.Client
	verifier   *verification.Verifier
	chain      ChainChecker
	logger     logger.Logger
	metrics    metrics.Recorder
	tracer     trace.Tracer
}

type Option func(*Facilitator)

// ChainChecker inspects payer state on chain after preflight. Errors
// wrapping types.ErrInvalidPayload reject the payment; other errors mean
// the chain could not be read and the facilitator decides.
type ChainChecker interface {
	Check(ctx context.Context, p *types.PaymentPayload, req *types.PaymentRequirements) error
}

func WithChainChecker(c ChainChecker) Option {
	return func(f *Facilitator) {
		f.chain = c
	}
}

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(f *Facilitator) {
		f.apiKey = key
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(f *Facilitator) {
		f.httpClient = c
	}
}

func WithVerifier(v *verification.Verifier) Option {
	return func(f *Facilitator) {
		f.verifier = v
	}
}

func WithLogger(l logger.Logger) Option {
	return func(f *Facilitator) {
		f.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(f *Facilitator) {
		f.metrics = r
	}
}

// WithTimeout bounds each facilitator call.
func WithTimeout(t time.Duration) Option {
	return func(f *Facilitator) {
		if t > 0 {
			f.timeout = t
		}
	}
}

func WithMaxTimeoutSeconds(s int) Option {
	return func(f *Facilitator) {
		if s > 0 {
			f.maxTimeoutSeconds = s
		}
	}
}

// NewFacilitator returns a client for the facilitator at baseURL settling in
// asset.
func NewFacilitator(baseURL string, asset types.Asset, opts ...Option) (*Facilitator, error) {
	if baseURL == "" {
		return nil, types.Errorf(types.ErrConfig, "facilitator url is required")
	}
	if asset.Address == "" || asset.Name == "" || asset.Version == "" {
		return nil, types.Errorf(types.ErrConfig, "facilitator asset requires address, name and version")
	}

	f := &Facilitator{
		baseURL:           strings.TrimRight(baseURL, "/"),
		asset:             asset,
		maxTimeoutSeconds: DefaultMaxTimeoutSeconds,
		timeout:           30 * time.Second,
		httpClient:        &http.Client{},
		verifier:          verification.NewVerifier(),
		logger:            logger.NoopLogger{},
		metrics:           metrics.NoopRecorder{},
		tracer:            otel.Tracer("github.com/vitwit/x402gate/settlement"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Requirements returns the payment requirements this facilitator advertises
// for req.
func (f *Facilitator) Requirements(req *Request) types.PaymentRequirements {
	return Requirements(req, f.asset, f.maxTimeoutSeconds)
}

func (f *Facilitator) Verify(ctx context.Context, req *Request) (*types.SettlementResult, error) {
	return f.call(ctx, "verify", req)
}

func (f *Facilitator) Settle(ctx context.Context, req *Request) (*types.SettlementResult, error) {
	return f.call(ctx, "settle", req)
}

func (f *Facilitator) call(ctx context.Context, op string, req *Request) (*types.SettlementResult, error) {
	if req == nil {
		return nil, types.Errorf(types.ErrInvalidInput, "settlement request is nil")
	}

	requirements := f.Requirements(req)
	if req.Payload == "" {
		return Challenge(requirements, "X-PAYMENT header is required"), nil
	}

	ctx, span := f.tracer.Start(ctx, "facilitator."+op, trace.WithAttributes(
		attribute.String("x402.network", requirements.Network),
		attribute.String("x402.scheme", requirements.Scheme),
		attribute.String("x402.amount", requirements.MaxAmountRequired),
		attribute.String("x402.resource", requirements.Resource),
	))
	defer span.End()

	labels := map[string]string{"network": requirements.Network}
	start := time.Now()
	defer func() {
		f.metrics.ObserveLatency("facilitator_"+op, time.Since(start), labels)
	}()

	payload, err := f.verifier.Preflight(req.Payload, &requirements)
	if err != nil {
		f.metrics.IncCounter("preflight_rejected", labels)
		f.logger.Warn("payment preflight rejected", map[string]any{
			"op":       op,
			"resource": requirements.Resource,
			"reason":   err.Error(),
		})
		span.SetStatus(codes.Error, "preflight rejected")
		return Challenge(requirements, err.Error()), nil
	}
	payer := payload.Payload.Authorization.From
	span.SetAttributes(attribute.String("x402.payer", payer))

	if f.chain != nil {
		if err := f.chain.Check(ctx, payload, &requirements); err != nil {
			if errors.Is(err, types.ErrInvalidPayload) {
				f.metrics.IncCounter("chain_rejected", labels)
				f.logger.Warn("payment rejected by chain state", map[string]any{
					"op":     op,
					"payer":  payer,
					"reason": err.Error(),
				})
				span.SetStatus(codes.Error, "chain check rejected")
				return Challenge(requirements, err.Error()), nil
			}
			f.logger.Warn("chain check unavailable", map[string]any{
				"op":    op,
				"payer": payer,
				"error": err.Error(),
			})
		}
	}

	body, err := json.Marshal(types.VerifyRequest{
		X402Version:         int(types.X402Version1),
		PaymentPayload:      *payload,
		PaymentRequirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	resp, respBody, err := f.post(callCtx, "/"+op, body)
	if err != nil {
		f.metrics.IncCounter("facilitator_unavailable", labels)
		f.logger.Error("facilitator request failed", map[string]any{
			"op":    op,
			"payer": payer,
			"error": err.Error(),
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, "facilitator unavailable")
		return failure(http.StatusBadGateway, types.ErrCodeUpstreamUnavailable, "payment facilitator unavailable"), nil
	}

	if resp.StatusCode != http.StatusOK {
		f.metrics.IncCounter("facilitator_"+op+"_rejected", labels)
		f.logger.Warn("facilitator rejected request", map[string]any{
			"op":     op,
			"payer":  payer,
			"status": resp.StatusCode,
		})
		span.SetStatus(codes.Error, fmt.Sprintf("facilitator status %d", resp.StatusCode))
		return &types.SettlementResult{
			StatusCode: resp.StatusCode,
			Body:       respBody,
			Header:     relayHeaders(resp.Header),
			Payer:      payer,
		}, nil
	}

	if op == "verify" {
		return f.verifyResult(requirements, respBody, payer, labels, span), nil
	}
	return f.settleResult(requirements, respBody, payer, req.Price.AmountMinorUnits, labels, span), nil
}

func (f *Facilitator) verifyResult(requirements types.PaymentRequirements, body []byte, payer string, labels map[string]string, span trace.Span) *types.SettlementResult {
	var vr types.VerifyResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		span.SetStatus(codes.Error, "malformed verify response")
		return failure(http.StatusBadGateway, types.ErrCodeUpstreamUnavailable, "malformed facilitator response")
	}
	if !vr.IsValid {
		f.metrics.IncCounter("facilitator_verify_invalid", labels)
		span.SetStatus(codes.Error, vr.InvalidReason)
		return Challenge(requirements, vr.InvalidReason)
	}

	if vr.Payer != "" {
		payer = vr.Payer
	}
	f.metrics.IncCounter("facilitator_verify_ok", labels)
	res := accepted(payer)
	res.Network = requirements.Network
	return res
}

func (f *Facilitator) settleResult(requirements types.PaymentRequirements, body []byte, payer string, amount uint64, labels map[string]string, span trace.Span) *types.SettlementResult {
	var sr types.SettleResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		span.SetStatus(codes.Error, "malformed settle response")
		return failure(http.StatusBadGateway, types.ErrCodeUpstreamUnavailable, "malformed facilitator response")
	}
	if !sr.Success {
		f.metrics.IncCounter("facilitator_settle_failed", labels)
		span.SetStatus(codes.Error, sr.ErrorReason)
		return Challenge(requirements, sr.ErrorReason)
	}

	if sr.Payer == "" {
		sr.Payer = payer
	}
	if sr.Network == "" {
		sr.Network = requirements.Network
	}
	f.metrics.IncCounter("facilitator_settle_ok", labels)
	span.SetAttributes(attribute.String("x402.transaction", sr.Transaction))
	f.logger.Info("payment settled", map[string]any{
		"payer":       sr.Payer,
		"amount":      amount,
		"network":     sr.Network,
		"transaction": sr.Transaction,
	})

	res := accepted(sr.Payer)
	res.TxHash = sr.Transaction
	res.Network = sr.Network
	res.Amount = amount
	if encoded, err := utils.EncodeHeader(sr); err == nil {
		res.Header.Set(HeaderPaymentResponse, encoded)
	}
	return res
}

func (f *Facilitator) post(ctx context.Context, path string, body []byte) (*http.Response, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", f.apiKey))
	}

	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}

// relayHeaders keeps the headers worth passing back to the caller.
func relayHeaders(h http.Header) http.Header {
	out := http.Header{}
	for _, k := range []string{"Content-Type", HeaderPaymentResponse, "Retry-After"} {
		if v := h.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	return out
}
