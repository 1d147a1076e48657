package gate_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402gate/gate"
	"github.com/vitwit/x402gate/pricing"
	"github.com/vitwit/x402gate/resource"
	"github.com/vitwit/x402gate/settlement"
	"github.com/vitwit/x402gate/types"
)

const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testPayer      = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	merchant       = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	signedPayload  = "c2lnbmVkLXBheWxvYWQ="
)

var quoteCtx = pricing.QuoteContext{
	Asset:   types.USDCFuji.Address,
	PayTo:   merchant,
	Network: types.NetworkAvalancheFuji,
}

// fakeSettlement records every call carrying a payload. Calls without one
// return the real challenge.
type fakeSettlement struct {
	mu       sync.Mutex
	verifies []settlement.Request
	settles  []settlement.Request

	verify func(*settlement.Request) *types.SettlementResult
	settle func(*settlement.Request) *types.SettlementResult
	err    error
}

func (f *fakeSettlement) Verify(_ context.Context, req *settlement.Request) (*types.SettlementResult, error) {
	if req.Payload == "" {
		return challengeFor(req), nil
	}
	f.mu.Lock()
	f.verifies = append(f.verifies, *req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.verify != nil {
		return f.verify(req), nil
	}
	return &types.SettlementResult{
		Accepted:   true,
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Payer:      testPayer,
		Network:    req.Network.String(),
	}, nil
}

func (f *fakeSettlement) Settle(_ context.Context, req *settlement.Request) (*types.SettlementResult, error) {
	if req.Payload == "" {
		return challengeFor(req), nil
	}
	f.mu.Lock()
	f.settles = append(f.settles, *req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.settle != nil {
		return f.settle(req), nil
	}
	h := http.Header{}
	h.Set(settlement.HeaderPaymentResponse, "eyJzdWNjZXNzIjp0cnVlfQ==")
	return &types.SettlementResult{
		Accepted:   true,
		StatusCode: http.StatusOK,
		Header:     h,
		Payer:      testPayer,
		TxHash:     "0xabc123",
		Network:    req.Network.String(),
		Amount:     req.Price.AmountMinorUnits,
	}, nil
}

func (f *fakeSettlement) verifyCalls() []settlement.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]settlement.Request(nil), f.verifies...)
}

func (f *fakeSettlement) settleCalls() []settlement.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]settlement.Request(nil), f.settles...)
}

func challengeFor(req *settlement.Request) *types.SettlementResult {
	return settlement.Challenge(settlement.Requirements(req, types.USDCFuji, 0), "X-PAYMENT header is required")
}

func rejection(status int, body string) *types.SettlementResult {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &types.SettlementResult{StatusCode: status, Body: []byte(body), Header: h}
}

// countingResource records executions.
type countingResource struct {
	calls  atomic.Int32
	payer  atomic.Value
	result *resource.Result
	err    error
	before func()
}

func (c *countingResource) Execute(_ context.Context, req *resource.Request) (*resource.Result, error) {
	c.calls.Add(1)
	c.payer.Store(req.Payer)
	if c.before != nil {
		c.before()
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

// recordingMetrics captures flow transitions in order.
type recordingMetrics struct {
	mu     sync.Mutex
	states []string
}

func (r *recordingMetrics) IncCounter(name string, labels map[string]string) {
	if name != "gate_transition" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, labels["state"])
}

func (r *recordingMetrics) ObserveLatency(string, time.Duration, map[string]string) {}

func (r *recordingMetrics) transitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...)
}

type recordingHook struct {
	mu     sync.Mutex
	events []types.SettlementEvent
	err    error
}

func (h *recordingHook) AfterSettlement(_ context.Context, e types.SettlementEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
	return h.err
}

func newGate(t *testing.T, client settlement.Client, opts ...gate.Option) *gate.Gate {
	t.Helper()
	g, err := gate.New(client, quoteCtx, opts...)
	require.NoError(t, err)
	return g
}

func handler(t *testing.T, g *gate.Gate, route gate.Route) http.Handler {
	t.Helper()
	h, err := g.Handler(route)
	require.NoError(t, err)
	return h
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func paid() map[string]string {
	return map[string]string{settlement.HeaderPayment: signedPayload}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) gate.ErrorBody {
	t.Helper()
	var body gate.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func basicRoute(res resource.Resource) gate.Route {
	return gate.Route{
		Name:        "basic",
		Method:      http.MethodGet,
		Path:        "/api/basic",
		Description: "Basic tier access",
		Scheme:      pricing.Fixed{Amount: 10000},
		Resource:    res,
	}
}

func TestNew_RequiresClientAndTerms(t *testing.T) {
	_, err := gate.New(nil, quoteCtx)
	assert.ErrorIs(t, err, types.ErrConfig)

	_, err = gate.New(&fakeSettlement{}, pricing.QuoteContext{Asset: "0x1"})
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestHandler_RejectsRoutesWithoutPrice(t *testing.T) {
	g := newGate(t, &fakeSettlement{})
	res := &countingResource{}

	tests := []struct {
		name  string
		route gate.Route
		want  error
	}{
		{"nil scheme", gate.Route{Name: "a", Method: "GET", Path: "/a", Resource: res}, types.ErrInvalidScheme},
		{"zero fixed amount", gate.Route{Name: "a", Method: "GET", Path: "/a", Resource: res, Scheme: pricing.Fixed{}}, types.ErrInvalidScheme},
		{"zero ceiling", gate.Route{Name: "a", Method: "POST", Path: "/a", Resource: res, Scheme: pricing.UpTo{RatePer1K: 1000}}, types.ErrInvalidScheme},
		{"budget without ledger", gate.Route{Name: "a", Method: "POST", Path: "/a", Resource: res, Scheme: pricing.Budget{PerCall: 20000}}, types.ErrConfig},
		{"relative path", gate.Route{Name: "a", Method: "GET", Path: "a", Resource: res, Scheme: pricing.Fixed{Amount: 1}}, types.ErrConfig},
		{"bad method", gate.Route{Name: "a", Method: "TRACE", Path: "/a", Resource: res, Scheme: pricing.Fixed{Amount: 1}}, types.ErrConfig},
		{"no resource", gate.Route{Name: "a", Method: "GET", Path: "/a", Scheme: pricing.Fixed{Amount: 1}}, types.ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Handler(tt.route)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFixed_NoPaymentChallenges(t *testing.T) {
	client := &fakeSettlement{}
	res := &countingResource{result: &resource.Result{Body: map[string]string{"tier": "basic"}}}
	h := handler(t, newGate(t, client), basicRoute(res))

	first := do(h, http.MethodGet, "/api/basic", "", nil)
	second := do(h, http.MethodGet, "/api/basic", "", nil)

	require.Equal(t, http.StatusPaymentRequired, first.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	var challenge types.X402Response
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &challenge))
	assert.Equal(t, 1, challenge.X402Version)
	require.Len(t, challenge.Accepts, 1)
	accept := challenge.Accepts[0]
	assert.Equal(t, "exact", accept.Scheme)
	assert.Equal(t, "10000", accept.MaxAmountRequired)
	assert.Equal(t, "http://example.com/api/basic", accept.Resource)
	assert.Equal(t, merchant, accept.PayTo)
	assert.Equal(t, "avalanche-fuji", accept.Network)
	assert.Equal(t, "GET", accept.Extra["method"])

	assert.Zero(t, res.calls.Load())
	assert.Empty(t, client.settleCalls())
}

func TestFixed_SettlesBeforeExecuting(t *testing.T) {
	client := &fakeSettlement{}
	rec := &recordingMetrics{}
	res := &countingResource{result: &resource.Result{Body: map[string]string{"tier": "basic"}}}
	res.before = func() {
		assert.Len(t, client.settleCalls(), 1, "settlement must precede execution")
	}
	h := handler(t, newGate(t, client, gate.WithMetrics(rec)), basicRoute(res))

	resp := do(h, http.MethodGet, "/api/basic", "", paid())

	require.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"tier":"basic"}`, resp.Body.String())
	assert.NotEmpty(t, resp.Header().Get(settlement.HeaderPaymentResponse))

	settles := client.settleCalls()
	require.Len(t, settles, 1)
	assert.Equal(t, uint64(10000), settles[0].Price.AmountMinorUnits)
	assert.Equal(t, signedPayload, settles[0].Payload)
	assert.Empty(t, client.verifyCalls())

	assert.Equal(t, int32(1), res.calls.Load())
	assert.Equal(t, testPayer, res.payer.Load())
	assert.Equal(t, []string{"VERIFYING", "SETTLED", "EXECUTING", "COMPLETED"}, rec.transitions())
}

func TestFixed_RejectionRelayedVerbatim(t *testing.T) {
	body := `{"x402Version":1,"error":"insufficient_funds","accepts":[]}`
	client := &fakeSettlement{settle: func(*settlement.Request) *types.SettlementResult {
		r := rejection(http.StatusPaymentRequired, body)
		r.Header.Set("Retry-After", "5")
		return r
	}}
	res := &countingResource{}
	h := handler(t, newGate(t, client), basicRoute(res))

	resp := do(h, http.MethodGet, "/api/basic", "", paid())

	assert.Equal(t, http.StatusPaymentRequired, resp.Code)
	assert.Equal(t, body, resp.Body.String())
	assert.Equal(t, "5", resp.Header().Get("Retry-After"))
	assert.Zero(t, res.calls.Load())
	assert.Len(t, client.settleCalls(), 1)
}

func TestFixed_SettlementErrorIsNotRetried(t *testing.T) {
	client := &fakeSettlement{err: errors.New("connection reset")}
	res := &countingResource{}
	h := handler(t, newGate(t, client), basicRoute(res))

	resp := do(h, http.MethodGet, "/api/basic", "", paid())

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, decodeError(t, resp).Error)
	assert.Len(t, client.settleCalls(), 1)
	assert.Zero(t, res.calls.Load())
}

func TestFixed_ResourceFailureAfterSettlement(t *testing.T) {
	client := &fakeSettlement{}
	res := &countingResource{err: errors.New("disk on fire")}
	h := handler(t, newGate(t, client), basicRoute(res))

	resp := do(h, http.MethodGet, "/api/basic", "", paid())

	assert.Equal(t, http.StatusBadGateway, resp.Code)
	body := decodeError(t, resp)
	assert.Equal(t, types.ErrCodeResourceError, body.Error)
	assert.NotContains(t, body.Message, "disk on fire")
	assert.Len(t, client.settleCalls(), 1)
}

func TestFixed_HookRunsAfterSettlement(t *testing.T) {
	hook := &recordingHook{err: errors.New("webhook down")}
	route := basicRoute(&countingResource{result: &resource.Result{Body: "ok"}})
	route.Name = "premium"
	route.Path = "/api/premium"
	route.Scheme = pricing.Fixed{Amount: 150000}
	route.Hook = hook

	h := handler(t, newGate(t, &fakeSettlement{}), route)
	resp := do(h, http.MethodGet, "/api/premium", "", paid())

	require.Equal(t, http.StatusOK, resp.Code)
	require.Len(t, hook.events, 1)
	assert.Equal(t, "premium", hook.events[0].Route)
	assert.Equal(t, testPayer, hook.events[0].Payer)
	assert.Equal(t, uint64(150000), hook.events[0].Amount)
	assert.Equal(t, "0xabc123", hook.events[0].Transaction)
}

func TestFixed_HookNotRunWithoutPayment(t *testing.T) {
	hook := &recordingHook{}
	route := basicRoute(&countingResource{})
	route.Hook = hook

	h := handler(t, newGate(t, &fakeSettlement{}), route)
	resp := do(h, http.MethodGet, "/api/basic", "", nil)

	assert.Equal(t, http.StatusPaymentRequired, resp.Code)
	assert.Empty(t, hook.events)
}

func TestWithBaseURL(t *testing.T) {
	h := handler(t, newGate(t, &fakeSettlement{}, gate.WithBaseURL("https://api.example.org/")), basicRoute(&countingResource{}))

	resp := do(h, http.MethodGet, "/api/basic", "", nil)

	var challenge types.X402Response
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &challenge))
	assert.Equal(t, "https://api.example.org/api/basic", challenge.Accepts[0].Resource)
}

// precheckResource answers or rejects from input alone.
type precheckResource struct {
	countingResource
	answer *resource.Result
	reject error
}

func (p *precheckResource) Precheck(context.Context, *resource.Request) (*resource.Result, error) {
	return p.answer, p.reject
}

func TestPrecheck_AnswersBeforePayment(t *testing.T) {
	client := &fakeSettlement{}
	res := &precheckResource{answer: &resource.Result{Body: map[string]string{"agentResponse": "I couldn't identify which token"}}}
	route := gate.Route{
		Name:     "agent",
		Method:   http.MethodPost,
		Path:     "/api/chat",
		Scheme:   pricing.Fixed{Amount: 20000},
		Resource: res,
	}
	h := handler(t, newGate(t, client), route)

	resp := do(h, http.MethodPost, "/api/chat", `{"message":"tell me a joke"}`, nil)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "couldn't identify")
	assert.Zero(t, res.calls.Load())
	assert.Empty(t, client.settleCalls())
}

func TestPrecheck_RejectsBeforePayment(t *testing.T) {
	client := &fakeSettlement{}
	res := &precheckResource{reject: types.Errorf(types.ErrInvalidInput, "message is required")}
	route := gate.Route{
		Name:     "chat",
		Method:   http.MethodPost,
		Path:     "/api/chat",
		Scheme:   pricing.Fixed{Amount: 20000},
		Resource: res,
	}
	h := handler(t, newGate(t, client), route)

	resp := do(h, http.MethodPost, "/api/chat", `{}`, paid())

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, types.ErrCodeInvalidInput, decodeError(t, resp).Error)
	assert.Empty(t, client.settleCalls())
}

func TestMount_RegistersRoutes(t *testing.T) {
	g := newGate(t, &fakeSettlement{})
	r := chi.NewRouter()
	require.NoError(t, g.Mount(r, []gate.Route{basicRoute(&countingResource{})}))

	resp := do(r, http.MethodGet, "/api/basic", "", nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.Code)

	resp = do(r, http.MethodPost, "/api/basic", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Code)

	// Budget endpoints need a ledger.
	resp = do(r, http.MethodGet, "/budget", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.ErrNotAuthorized, http.StatusPaymentRequired},
		{types.ErrExpired, http.StatusPaymentRequired},
		{types.Errorf(types.ErrInsufficientBudget, "x"), http.StatusPaymentRequired},
		{types.ErrCeilingExceedsMax, http.StatusBadRequest},
		{types.ErrInvalidPayload, http.StatusBadRequest},
		{types.ErrInvalidInput, http.StatusBadRequest},
		{types.ErrResourceFailed, http.StatusBadGateway},
		{types.ErrUpstreamUnavailable, http.StatusServiceUnavailable},
		{types.ErrInvalidScheme, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, gate.StatusOf(tt.err), tt.err.Error())
	}
}

func TestBodyIsReadOnce(t *testing.T) {
	var got []byte
	res := resource.Func(func(_ context.Context, req *resource.Request) (*resource.Result, error) {
		got = req.Body
		return &resource.Result{Body: "ok"}, nil
	})
	route := gate.Route{Name: "echo", Method: http.MethodPost, Path: "/echo", Scheme: pricing.Fixed{Amount: 1000}, Resource: res}
	h := handler(t, newGate(t, &fakeSettlement{}), route)

	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString(`{"message":"hi"}`))
	req.Header.Set(settlement.HeaderPayment, signedPayload)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"message":"hi"}`, string(got))
}
