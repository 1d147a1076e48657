package settlement_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402gate/payer"
	"github.com/vitwit/x402gate/settlement"
	"github.com/vitwit/x402gate/types"
)

const (
	testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	merchant       = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

type fakeFacilitator struct {
	verifyCalls atomic.Int32
	settleCalls atomic.Int32
	verify      func(w http.ResponseWriter, req types.VerifyRequest)
	settle      func(w http.ResponseWriter, req types.VerifyRequest)
	lastAuth    atomic.Value
}

func (f *fakeFacilitator) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	decode := func(r *http.Request) types.VerifyRequest {
		var req types.VerifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.lastAuth.Store(r.Header.Get("Authorization"))
		return req
	}
	mux.HandleFunc("POST /verify", func(w http.ResponseWriter, r *http.Request) {
		f.verifyCalls.Add(1)
		req := decode(r)
		if f.verify != nil {
			f.verify(w, req)
			return
		}
		json.NewEncoder(w).Encode(types.VerifyResponse{IsValid: true, Payer: req.PaymentPayload.Payload.Authorization.From})
	})
	mux.HandleFunc("POST /settle", func(w http.ResponseWriter, r *http.Request) {
		f.settleCalls.Add(1)
		req := decode(r)
		if f.settle != nil {
			f.settle(w, req)
			return
		}
		json.NewEncoder(w).Encode(types.SettleResponse{
			Success:     true,
			Transaction: "0xdeadbeef",
			Network:     req.PaymentRequirements.Network,
			Payer:       req.PaymentPayload.Payload.Authorization.From,
		})
	})
	return mux
}

func setup(t *testing.T, fake *fakeFacilitator, opts ...settlement.Option) *settlement.Facilitator {
	t.Helper()
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	f, err := settlement.NewFacilitator(srv.URL, types.USDCFuji, opts...)
	require.NoError(t, err)
	return f
}

func request(amount uint64, scheme types.PaymentScheme) *settlement.Request {
	return &settlement.Request{
		ResourceURL: "http://localhost:8080/api/basic",
		Method:      http.MethodGet,
		PayTo:       merchant,
		Network:     types.NetworkAvalancheFuji,
		Description: "basic tier",
		Price: types.PriceQuote{
			AmountMinorUnits: amount,
			Asset:            types.USDCFuji.Address,
			PayTo:            merchant,
			Network:          types.NetworkAvalancheFuji,
			Scheme:           scheme,
		},
	}
}

func pay(t *testing.T, f *settlement.Facilitator, req *settlement.Request) string {
	t.Helper()
	s, err := payer.FromHex(testPrivateKey)
	require.NoError(t, err)
	header, err := s.PaymentHeader(f.Requirements(req))
	require.NoError(t, err)
	return header
}

func TestFacilitator_ChallengeWithoutPayload(t *testing.T) {
	fake := &fakeFacilitator{}
	f := setup(t, fake)

	res, err := f.Settle(context.Background(), request(10000, types.SchemeExact))
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, http.StatusPaymentRequired, res.StatusCode)

	var body types.X402Response
	require.NoError(t, json.Unmarshal(res.Body, &body))
	assert.Equal(t, 1, body.X402Version)
	require.Len(t, body.Accepts, 1)
	a := body.Accepts[0]
	assert.Equal(t, "exact", a.Scheme)
	assert.Equal(t, "10000", a.MaxAmountRequired)
	assert.Equal(t, "avalanche-fuji", a.Network)
	assert.Equal(t, merchant, a.PayTo)
	assert.Equal(t, "GET", a.Extra["method"])
	assert.Equal(t, "USD Coin", a.Extra["name"])

	assert.Zero(t, fake.settleCalls.Load())
	assert.Zero(t, fake.verifyCalls.Load())
}

func TestFacilitator_ChallengeIsByteIdentical(t *testing.T) {
	f := setup(t, &fakeFacilitator{})

	a, err := f.Verify(context.Background(), request(500000, types.SchemeUpTo))
	require.NoError(t, err)
	b, err := f.Verify(context.Background(), request(500000, types.SchemeUpTo))
	require.NoError(t, err)
	assert.Equal(t, a.Body, b.Body)
}

func TestFacilitator_Settle(t *testing.T) {
	fake := &fakeFacilitator{}
	f := setup(t, fake, settlement.WithAPIKey("secret"))

	req := request(10000, types.SchemeExact)
	req.Payload = pay(t, f, req)

	res, err := f.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "0xdeadbeef", res.TxHash)
	assert.Equal(t, testAddress, res.Payer)
	assert.Equal(t, uint64(10000), res.Amount)
	assert.Equal(t, "Bearer secret", fake.lastAuth.Load())

	raw, err := base64.StdEncoding.DecodeString(res.Header.Get(settlement.HeaderPaymentResponse))
	require.NoError(t, err)
	var sr types.SettleResponse
	require.NoError(t, json.Unmarshal(raw, &sr))
	assert.True(t, sr.Success)
	assert.Equal(t, "0xdeadbeef", sr.Transaction)
	assert.Equal(t, int32(1), fake.settleCalls.Load())
}

func TestFacilitator_VerifyDoesNotSettle(t *testing.T) {
	fake := &fakeFacilitator{}
	f := setup(t, fake)

	req := request(500000, types.SchemeUpTo)
	req.Payload = pay(t, f, req)

	res, err := f.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, int32(1), fake.verifyCalls.Load())
	assert.Zero(t, fake.settleCalls.Load())
}

func TestFacilitator_SettleFinalAmountBelowCeiling(t *testing.T) {
	fake := &fakeFacilitator{}
	var settled atomic.Value
	fake.settle = func(w http.ResponseWriter, req types.VerifyRequest) {
		settled.Store(req.PaymentRequirements.MaxAmountRequired)
		json.NewEncoder(w).Encode(types.SettleResponse{Success: true, Transaction: "0x1"})
	}
	f := setup(t, fake)

	ceiling := request(500000, types.SchemeUpTo)
	payload := pay(t, f, ceiling)

	final := request(3000, types.SchemeUpTo)
	final.Payload = payload
	res, err := f.Settle(context.Background(), final)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "3000", settled.Load())
	assert.Equal(t, uint64(3000), res.Amount)
}

func TestFacilitator_PreflightRejectsWithoutNetworkCall(t *testing.T) {
	fake := &fakeFacilitator{}
	f := setup(t, fake)

	cheap := request(1000, types.SchemeExact)
	payload := pay(t, f, cheap)

	req := request(10000, types.SchemeExact)
	req.Payload = payload
	res, err := f.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, http.StatusPaymentRequired, res.StatusCode)
	assert.Contains(t, string(res.Body), "below required")
	assert.Zero(t, fake.settleCalls.Load())
}

func TestFacilitator_RelaysRejectionVerbatim(t *testing.T) {
	fake := &fakeFacilitator{
		settle: func(w http.ResponseWriter, _ types.VerifyRequest) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"slow down"}`))
		},
	}
	f := setup(t, fake)

	req := request(10000, types.SchemeExact)
	req.Payload = pay(t, f, req)
	res, err := f.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.JSONEq(t, `{"error":"slow down"}`, string(res.Body))
	assert.Equal(t, "30", res.Header.Get("Retry-After"))
	assert.Equal(t, int32(1), fake.settleCalls.Load())
}

func TestFacilitator_SettleFailureBecomesChallenge(t *testing.T) {
	fake := &fakeFacilitator{
		settle: func(w http.ResponseWriter, _ types.VerifyRequest) {
			json.NewEncoder(w).Encode(types.SettleResponse{Success: false, ErrorReason: "insufficient_funds"})
		},
	}
	f := setup(t, fake)

	req := request(10000, types.SchemeExact)
	req.Payload = pay(t, f, req)
	res, err := f.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, http.StatusPaymentRequired, res.StatusCode)

	var body types.X402Response
	require.NoError(t, json.Unmarshal(res.Body, &body))
	assert.Equal(t, "insufficient_funds", body.Error)
}

func TestFacilitator_InvalidVerification(t *testing.T) {
	fake := &fakeFacilitator{
		verify: func(w http.ResponseWriter, _ types.VerifyRequest) {
			json.NewEncoder(w).Encode(types.VerifyResponse{IsValid: false, InvalidReason: "nonce_already_used"})
		},
	}
	f := setup(t, fake)

	req := request(500000, types.SchemeUpTo)
	req.Payload = pay(t, f, req)
	res, err := f.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Contains(t, string(res.Body), "nonce_already_used")
}

func TestFacilitator_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f, err := settlement.NewFacilitator(url, types.USDCFuji)
	require.NoError(t, err)

	req := request(10000, types.SchemeExact)
	req.Payload = pay(t, f, req)
	res, err := f.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Contains(t, string(res.Body), types.ErrCodeUpstreamUnavailable)
}

func TestNewFacilitator_RequiresConfig(t *testing.T) {
	_, err := settlement.NewFacilitator("", types.USDCFuji)
	assert.ErrorIs(t, err, types.ErrConfig)

	_, err = settlement.NewFacilitator("http://localhost", types.Asset{Address: "0x1"})
	assert.ErrorIs(t, err, types.ErrConfig)
}

type fakeChain struct {
	err   error
	calls atomic.Int32
}

func (c *fakeChain) Check(_ context.Context, p *types.PaymentPayload, req *types.PaymentRequirements) error {
	c.calls.Add(1)
	return c.err
}

func TestFacilitator_ChainRejectionSkipsFacilitator(t *testing.T) {
	fake := &fakeFacilitator{}
	chain := &fakeChain{err: types.Errorf(types.ErrInvalidPayload, "insufficient_funds: balance 0 below 10000")}
	f := setup(t, fake, settlement.WithChainChecker(chain))
	req := request(10000, types.SchemeExact)
	req.Payload = pay(t, f, req)

	res, err := f.Settle(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, res.Accepted)
	assert.Equal(t, http.StatusPaymentRequired, res.StatusCode)
	assert.Contains(t, string(res.Body), "insufficient_funds")
	assert.Equal(t, int32(1), chain.calls.Load())
	assert.Zero(t, fake.settleCalls.Load())
}

func TestFacilitator_ChainUnavailableDefersToFacilitator(t *testing.T) {
	fake := &fakeFacilitator{}
	chain := &fakeChain{err: errors.New("dial tcp: connection refused")}
	f := setup(t, fake, settlement.WithChainChecker(chain))
	req := request(10000, types.SchemeExact)
	req.Payload = pay(t, f, req)

	res, err := f.Settle(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Accepted)
	assert.Equal(t, int32(1), fake.settleCalls.Load())
}
