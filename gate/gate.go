// Package gate puts protected resources behind the x402 payment handshake.
//
// Every request walks a Flow. A request without an authorization is answered
// with the 402 challenge and never reaches the ledger or the resource. Fixed
// routes settle before executing. UpTo routes verify the ceiling, execute,
// meter usage and settle the final amount. Budget routes debit a pre-funded
// ledger entry before executing.
package gate

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/vitwit/x402gate/budget"
	"github.com/vitwit/x402gate/logger"
	"github.com/vitwit/x402gate/metering"
	"github.com/vitwit/x402gate/metrics"
	"github.com/vitwit/x402gate/pricing"
	"github.com/vitwit/x402gate/resource"
	"github.com/vitwit/x402gate/settlement"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/verification"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultSettlementTimeout = 60 * time.Second
	DefaultAuthorizePath     = "/budget/authorize"
	BudgetPath               = "/budget"

	maxBodyBytes = 1 << 20
)

// Hook runs after a route's payment settled. A failing hook is logged and
// does not undo the settlement.
type Hook interface {
	AfterSettlement(ctx context.Context, e types.SettlementEvent) error
}

// Route is one priced endpoint.
type Route struct {
	Name        string
	Method      string
	Path        string
	Description string
	MimeType    string
	Scheme      pricing.Scheme
	Resource    resource.Resource
	Hook        Hook
}

// Gate serves priced routes.
type Gate struct {
	client   settlement.Client
	quoteCtx pricing.QuoteContext
	engine   *pricing.Engine
	meter    *metering.Meter
	verifier *verification.Verifier

	ledger        *budget.Ledger
	budgetTTL     time.Duration
	authorizePath string

	mu              sync.RWMutex
	budgetResources map[string]struct{}

	baseURL       string
	decimals      int32
	settleTimeout time.Duration
	now           func() time.Time

	log     logger.Logger
	metrics metrics.Recorder
	tracer  trace.Tracer
}

type Option func(*Gate)

// WithLedger enables budget routes and the budget endpoints.
func WithLedger(l *budget.Ledger) Option {
	return func(g *Gate) {
		g.ledger = l
	}
}

// WithBudgetTTL sets the lifetime of budgets authorized without an explicit
// ttl.
func WithBudgetTTL(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.budgetTTL = d
		}
	}
}

func WithVerifier(v *verification.Verifier) Option {
	return func(g *Gate) {
		g.verifier = v
	}
}

// WithBaseURL fixes the public origin used in resource URLs. Without it the
// origin is taken from each request.
func WithBaseURL(u string) Option {
	return func(g *Gate) {
		g.baseURL = strings.TrimRight(u, "/")
	}
}

// WithDecimals sets the asset decimals used to format amounts.
func WithDecimals(d int32) Option {
	return func(g *Gate) {
		g.decimals = d
	}
}

// WithSettlementTimeout bounds each verify or settle call. Settlement calls
// outlive the caller's connection up to this limit.
func WithSettlementTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.settleTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

func WithLogger(l logger.Logger) Option {
	return func(g *Gate) {
		g.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gate) {
		g.metrics = r
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Gate) {
		g.tracer = t
	}
}

// New returns a gate settling through client under the terms in qc.
func New(client settlement.Client, qc pricing.QuoteContext, opts ...Option) (*Gate, error) {
	if client == nil {
		return nil, types.Errorf(types.ErrConfig, "gate requires a settlement client")
	}
	if qc.Asset == "" || qc.PayTo == "" || qc.Network == "" {
		return nil, types.Errorf(types.ErrConfig, "gate requires asset, payTo and network")
	}

	g := &Gate{
		client:          client,
		quoteCtx:        qc,
		engine:          pricing.NewEngine(),
		meter:           metering.NewMeter(),
		verifier:        verification.NewVerifier(),
		budgetTTL:       budget.DefaultTTL,
		authorizePath:   DefaultAuthorizePath,
		budgetResources: map[string]struct{}{},
		decimals:        pricing.USDCDecimals,
		settleTimeout:   DefaultSettlementTimeout,
		now:             time.Now,
		log:             logger.NoopLogger{},
		metrics:         metrics.NoopRecorder{},
		tracer:          otel.Tracer("github.com/vitwit/x402gate/gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Mount registers routes on r, plus the budget endpoints when a ledger is
// configured.
func (g *Gate) Mount(r chi.Router, routes []Route) error {
	for _, route := range routes {
		h, err := g.Handler(route)
		if err != nil {
			return err
		}
		r.Method(strings.ToUpper(route.Method), route.Path, h)
	}
	if g.ledger != nil {
		r.Post(g.authorizePath, g.AuthorizeBudget)
		r.Get(BudgetPath, g.BudgetStatus)
		r.Delete(BudgetPath, g.RevokeBudget)
	}
	return nil
}

// Handler returns the handler for route. A route without a usable price
// fails with ErrInvalidScheme.
func (g *Gate) Handler(route Route) (http.Handler, error) {
	if err := g.validateRoute(route); err != nil {
		return nil, err
	}

	var serve func(*exchange)
	switch route.Scheme.Kind() {
	case pricing.KindFixed:
		serve = g.serveFixed
	case pricing.KindUpTo:
		serve = g.serveUpTo
	case pricing.KindBudget:
		g.mu.Lock()
		g.budgetResources[route.Path] = struct{}{}
		g.mu.Unlock()
		serve = g.serveBudget
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		x, ok := g.begin(w, r, route)
		defer x.end()
		if !ok {
			return
		}
		serve(x)
	}), nil
}

func (g *Gate) validateRoute(route Route) error {
	if route.Name == "" || !strings.HasPrefix(route.Path, "/") {
		return types.Errorf(types.ErrConfig, "route %q requires a name and an absolute path", route.Name)
	}
	switch strings.ToUpper(route.Method) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return types.Errorf(types.ErrConfig, "route %q has unsupported method %q", route.Name, route.Method)
	}
	if route.Resource == nil {
		return types.Errorf(types.ErrConfig, "route %q has no resource", route.Name)
	}
	if err := pricing.Validate(route.Scheme); err != nil {
		return types.Errorf(types.ErrInvalidScheme, "route %q: %s", route.Name, err.Error())
	}
	if route.Scheme.Kind() == pricing.KindBudget && g.ledger == nil {
		return types.Errorf(types.ErrConfig, "route %q uses budget pricing but no ledger is configured", route.Name)
	}
	return nil
}

// exchange is the per-request state shared by the scheme handlers.
type exchange struct {
	w         http.ResponseWriter
	r         *http.Request
	ctx       context.Context
	route     Route
	flow      *Flow
	span      trace.Span
	requestID string
	req       *resource.Request
}

func (x *exchange) end() {
	x.span.End()
}

func (x *exchange) fields(extra map[string]any) map[string]any {
	f := map[string]any{
		"request_id": x.requestID,
		"route":      x.route.Name,
		"state":      x.flow.State().String(),
	}
	if x.route.Scheme != nil {
		f["scheme"] = string(x.route.Scheme.Kind())
	}
	for k, v := range extra {
		f[k] = v
	}
	return f
}

// begin opens the span and flow for a request, reads its body and runs the
// resource's precheck. It reports false when the request was answered.
func (g *Gate) begin(w http.ResponseWriter, r *http.Request, route Route) (*exchange, bool) {
	requestID := middleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.New().String()
	}

	ctx, span := g.tracer.Start(r.Context(), "gate."+route.Name, trace.WithAttributes(
		attribute.String("x402.route", route.Name),
		attribute.String("request_id", requestID),
	))

	x := &exchange{
		w:         w,
		r:         r,
		ctx:       ctx,
		route:     route,
		span:      span,
		requestID: requestID,
		flow:      newFlow(route.Name, requestID, g.log, g.metrics, span),
	}

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			x.flow.To(StateRejected)
			writeError(w, types.Errorf(types.ErrInvalidInput, "failed to read request body"))
			return x, false
		}
		body = b
	}
	x.req = &resource.Request{
		Method: r.Method,
		Path:   route.Path,
		Header: r.Header,
		Body:   body,
	}

	pc, ok := route.Resource.(resource.Prechecker)
	if !ok {
		return x, true
	}
	res, err := pc.Precheck(ctx, x.req)
	if err != nil {
		x.flow.To(StateRejected)
		g.log.Warn("request rejected before payment", x.fields(map[string]any{"error": err.Error()}))
		writeError(w, err)
		return x, false
	}
	if res != nil {
		x.flow.To(StateCompleted)
		writeJSON(w, http.StatusOK, res.Body)
		return x, false
	}
	return x, true
}

func (g *Gate) resourceURL(r *http.Request, path string) string {
	if g.baseURL != "" {
		return g.baseURL + path
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + path
}

// audience is the origin budget vouchers must be signed for.
func (g *Gate) audience(r *http.Request) string {
	return verification.Origin(g.resourceURL(r, "/"))
}

func (g *Gate) settlementRequest(x *exchange, quote types.PriceQuote, description string) *settlement.Request {
	return &settlement.Request{
		ResourceURL: g.resourceURL(x.r, x.route.Path),
		Method:      x.r.Method,
		Payload:     x.r.Header.Get(settlement.HeaderPayment),
		PayTo:       quote.PayTo,
		Network:     quote.Network,
		Price:       quote,
		Description: description,
		MimeType:    x.route.MimeType,
	}
}

type settleFunc func(context.Context, *settlement.Request) (*types.SettlementResult, error)

// settle runs fn detached from the caller's cancellation, bounded by the
// settlement timeout.
func (g *Gate) settle(ctx context.Context, fn settleFunc, req *settlement.Request) (*types.SettlementResult, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.settleTimeout)
	defer cancel()
	return fn(ctx, req)
}

// challenge answers a request that carried no authorization.
func (g *Gate) challenge(x *exchange, fn settleFunc, req *settlement.Request) {
	x.flow.To(StateAwaitingPayment)
	res, err := fn(x.ctx, req)
	if err != nil {
		g.log.Error("failed to build payment challenge", x.fields(map[string]any{"error": err.Error()}))
		writeError(x.w, err)
		return
	}
	relay(x.w, res)
}

// authorize verifies or settles the caller's authorization. A non-accepted
// result is relayed verbatim and reported as false.
func (g *Gate) authorize(x *exchange, fn settleFunc, req *settlement.Request) (*types.SettlementResult, bool) {
	x.flow.To(StateVerifying)
	res, err := g.settle(x.ctx, fn, req)
	if err != nil {
		x.flow.To(StateRejected)
		g.log.Error("settlement call failed", x.fields(map[string]any{
			"amount": req.Price.AmountMinorUnits,
			"error":  err.Error(),
		}))
		writeError(x.w, types.Errorf(types.ErrUpstreamUnavailable, "payment settlement unavailable"))
		return nil, false
	}
	if !res.Accepted {
		x.flow.To(StateRejected)
		g.log.Warn("payment rejected", x.fields(map[string]any{
			"amount": req.Price.AmountMinorUnits,
			"status": res.StatusCode,
			"payer":  res.Payer,
		}))
		relay(x.w, res)
		return nil, false
	}

	x.flow.To(StateSettled)
	x.span.SetAttributes(attribute.String("x402.payer", res.Payer))
	x.req.Payer = res.Payer
	return res, true
}

// finalSettle settles amount against the payload already verified for req.
func (g *Gate) finalSettle(x *exchange, req *settlement.Request, amount uint64) (*types.SettlementResult, bool) {
	x.flow.To(StateFinalSettling)

	final := *req
	final.Price.AmountMinorUnits = amount
	res, err := g.settle(x.ctx, g.client.Settle, &final)
	if err != nil {
		x.flow.To(StateSettlementFailed)
		g.log.Error("final settlement failed", x.fields(map[string]any{
			"amount": amount,
			"payer":  x.req.Payer,
			"error":  err.Error(),
		}))
		writeError(x.w, types.Errorf(types.ErrUpstreamUnavailable, "payment settlement unavailable"))
		return nil, false
	}
	if !res.Accepted {
		x.flow.To(StateSettlementFailed)
		g.log.Error("final settlement rejected", x.fields(map[string]any{
			"amount": amount,
			"payer":  x.req.Payer,
			"status": res.StatusCode,
		}))
		relay(x.w, res)
		return nil, false
	}
	return res, true
}

func (g *Gate) afterSettlement(x *exchange, res *types.SettlementResult) {
	if x.route.Hook == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(x.ctx), g.settleTimeout)
	defer cancel()

	event := types.SettlementEvent{
		Route:       x.route.Name,
		Resource:    x.route.Path,
		Payer:       res.Payer,
		Amount:      res.Amount,
		Network:     res.Network,
		Transaction: res.TxHash,
		SettledAt:   g.now().UTC(),
	}
	if err := x.route.Hook.AfterSettlement(ctx, event); err != nil {
		g.log.Error("settlement hook failed", x.fields(map[string]any{
			"payer": res.Payer,
			"error": err.Error(),
		}))
	}
}

func (g *Gate) format(amount uint64) string {
	return pricing.FormatUSDC(amount, g.decimals)
}

// resourceError keeps tagged resource errors and hides untagged ones.
func resourceError(err error) error {
	if types.CodeOf(err) != "" {
		return err
	}
	return types.ErrResourceFailed
}
