package gate_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402gate/gate"
	"github.com/vitwit/x402gate/pricing"
	"github.com/vitwit/x402gate/resource"
	"github.com/vitwit/x402gate/resource/chat"
	"github.com/vitwit/x402gate/settlement"
	"github.com/vitwit/x402gate/types"
)

type meteredBody struct {
	Response      string            `json:"response"`
	Tokens        uint64            `json:"tokens"`
	Usage         types.UsageRecord `json:"usage"`
	UsageSource   string            `json:"usageSource"`
	Cost          uint64            `json:"cost"`
	FormattedCost string            `json:"formattedCost"`
	MaxAuthorized uint64            `json:"maxAuthorized"`
	Warning       string            `json:"warning"`
	Timestamp     string            `json:"timestamp"`
}

func chatRoute(res resource.Resource) gate.Route {
	return gate.Route{
		Name:     "ai-chat",
		Method:   http.MethodPost,
		Path:     "/api/ai-chat",
		Scheme:   pricing.UpTo{Ceiling: 500000, RatePer1K: 1000, Minimum: 1000},
		Resource: res,
	}
}

func reported(total uint64) *resource.Result {
	return &resource.Result{
		Body:  map[string]string{"response": "hello"},
		Usage: &types.UsageRecord{InputUnits: total / 2, OutputUnits: total - total/2, TotalUnits: total},
	}
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMeteredGate(t *testing.T, client settlement.Client, opts ...gate.Option) *gate.Gate {
	return newGate(t, client, append([]gate.Option{gate.WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func TestUpTo_NoPaymentQuotesCeiling(t *testing.T) {
	client := &fakeSettlement{}
	res := &countingResource{result: reported(3000)}
	h := handler(t, newMeteredGate(t, client), chatRoute(res))

	first := do(h, http.MethodPost, "/api/ai-chat", `{"message":"hi"}`, nil)
	second := do(h, http.MethodPost, "/api/ai-chat", `{"message":"hi"}`, nil)

	require.Equal(t, http.StatusPaymentRequired, first.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	var challenge types.X402Response
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &challenge))
	require.Len(t, challenge.Accepts, 1)
	assert.Equal(t, "upto", challenge.Accepts[0].Scheme)
	assert.Equal(t, "500000", challenge.Accepts[0].MaxAmountRequired)

	assert.Zero(t, res.calls.Load())
	assert.Empty(t, client.verifyCalls())
	assert.Empty(t, client.settleCalls())
}

func TestUpTo_SettlesMeteredCost(t *testing.T) {
	client := &fakeSettlement{}
	rec := &recordingMetrics{}
	res := &countingResource{result: reported(3000)}
	res.before = func() {
		assert.Len(t, client.verifyCalls(), 1)
		assert.Empty(t, client.settleCalls(), "no funds move before execution")
	}
	h := handler(t, newMeteredGate(t, client, gate.WithMetrics(rec)), chatRoute(res))

	resp := do(h, http.MethodPost, "/api/ai-chat", `{"message":"hi"}`, paid())
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	verifies := client.verifyCalls()
	require.Len(t, verifies, 1)
	assert.Equal(t, uint64(500000), verifies[0].Price.AmountMinorUnits)
	assert.Equal(t, types.SchemeUpTo, verifies[0].Price.Scheme)

	settles := client.settleCalls()
	require.Len(t, settles, 1)
	assert.Equal(t, uint64(3000), settles[0].Price.AmountMinorUnits)
	assert.Equal(t, verifies[0].Payload, settles[0].Payload)

	var body meteredBody
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "hello", body.Response)
	assert.Equal(t, uint64(3000), body.Tokens)
	assert.Equal(t, uint64(3000), body.Cost)
	assert.Equal(t, "$0.003000", body.FormattedCost)
	assert.Equal(t, uint64(500000), body.MaxAuthorized)
	assert.Equal(t, "reported", body.UsageSource)
	assert.Equal(t, "2026-03-01T12:00:00Z", body.Timestamp)
	assert.Empty(t, body.Warning)
	assert.Empty(t, resp.Header().Get(gate.HeaderPaymentWarning))
	assert.NotEmpty(t, resp.Header().Get(settlement.HeaderPaymentResponse))

	assert.Equal(t, []string{"VERIFYING", "SETTLED", "EXECUTING", "FINAL_SETTLING", "COMPLETED"}, rec.transitions())
}

func TestUpTo_SettlementAmounts(t *testing.T) {
	tests := []struct {
		name   string
		result *resource.Result
		want   uint64
		source string
	}{
		{"small usage floors at minimum", reported(400), 1000, "reported"},
		{"zero usage floors at minimum", &resource.Result{Body: map[string]string{}}, 1000, "estimated"},
		{"fractional cost rounds up", reported(1001), 1001, "reported"},
		{
			"estimated from text",
			&resource.Result{
				Body:   map[string]string{"response": "x"},
				Input:  strings.Repeat("a", 4000),
				Output: strings.Repeat("b", 4000),
			},
			2000,
			"estimated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeSettlement{}
			h := handler(t, newMeteredGate(t, client), chatRoute(&countingResource{result: tt.result}))

			resp := do(h, http.MethodPost, "/api/ai-chat", `{"message":"hi"}`, paid())
			require.Equal(t, http.StatusOK, resp.Code)

			settles := client.settleCalls()
			require.Len(t, settles, 1)
			assert.Equal(t, tt.want, settles[0].Price.AmountMinorUnits)

			var body meteredBody
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Cost)
			assert.Equal(t, tt.source, body.UsageSource)
		})
	}
}

func TestUpTo_ClampIsSurfaced(t *testing.T) {
	client := &fakeSettlement{}
	h := handler(t, newMeteredGate(t, client), chatRoute(&countingResource{result: reported(600000)}))

	resp := do(h, http.MethodPost, "/api/ai-chat", `{"message":"hi"}`, paid())
	require.Equal(t, http.StatusOK, resp.Code)

	settles := client.settleCalls()
	require.Len(t, settles, 1)
	assert.Equal(t, uint64(500000), settles[0].Price.AmountMinorUnits)

	warning := resp.Header().Get(gate.HeaderPaymentWarning)
	assert.Contains(t, warning, "$0.500000")

	var body meteredBody
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, warning, body.Warning)
	assert.Equal(t, uint64(500000), body.Cost)
}

func TestUpTo_VerifyRejected(t *testing.T) {
	body := `{"x402Version":1,"error":"invalid_signature","accepts":[]}`
	client := &fakeSettlement{verify: func(*settlement.Request) *types.SettlementResult {
		return rejection(http.StatusPaymentRequired, body)
	}}
	res := &countingResource{result: reported(3000)}
	h := handler(t, newMeteredGate(t, client), chatRoute(res))

	resp := do(h, http.MethodPost, "/api/ai-chat", `{"message":"hi"}`, paid())

	assert.Equal(t, http.StatusPaymentRequired, resp.Code)
	assert.Equal(t, body, resp.Body.String())
	assert.Zero(t, res.calls.Load())
	assert.Empty(t, client.settleCalls())
}

func TestUpTo_FinalSettlementFailureWithholdsOutput(t *testing.T) {
	body := `{"x402Version":1,"error":"authorization_used","accepts":[]}`
	client := &fakeSettlement{settle: func(*settlement.Request) *types.SettlementResult {
		return rejection(http.StatusPaymentRequired, body)
	}}
	rec := &recordingMetrics{}
	h := handler(t, newMeteredGate(t, client, gate.WithMetrics(rec)), chatRoute(&countingResource{result: reported(3000)}))

	resp := do(h, http.MethodPost, "/api/ai-chat", `{"message":"hi"}`, paid())

	assert.Equal(t, http.StatusPaymentRequired, resp.Code)
	assert.Equal(t, body, resp.Body.String())
	assert.NotContains(t, resp.Body.String(), "hello")
	assert.Equal(t, "SETTLEMENT_FAILED", rec.transitions()[len(rec.transitions())-1])
}

func TestUpTo_UpstreamUnavailableSettlesNothing(t *testing.T) {
	client := &fakeSettlement{}
	rec := &recordingMetrics{}
	res := &countingResource{err: types.Errorf(types.ErrUpstreamUnavailable, "chat provider unavailable")}
	h := handler(t, newMeteredGate(t, client, gate.WithMetrics(rec)), chatRoute(res))

	resp := do(h, http.MethodPost, "/api/ai-chat", `{"message":"hi"}`, paid())

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, decodeError(t, resp).Error)
	assert.Empty(t, resp.Header().Get(settlement.HeaderPaymentResponse))
	assert.Len(t, client.verifyCalls(), 1)
	assert.Empty(t, client.settleCalls())
	assert.Equal(t, []string{"VERIFYING", "SETTLED", "EXECUTING", "RESOURCE_FAILED"}, rec.transitions())
}

func TestUpTo_ResourceFailureChargesMinimum(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"tagged", types.Errorf(types.ErrResourceFailed, "completion could not be parsed")},
		{"untagged", errors.New("disk on fire")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeSettlement{}
			rec := &recordingMetrics{}
			h := handler(t, newMeteredGate(t, client, gate.WithMetrics(rec)), chatRoute(&countingResource{err: tt.err}))

			resp := do(h, http.MethodPost, "/api/ai-chat", `{"message":"hi"}`, paid())

			assert.Equal(t, http.StatusBadGateway, resp.Code)
			var body struct {
				Error         string `json:"error"`
				Message       string `json:"message"`
				AmountCharged uint64 `json:"amountCharged"`
			}
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
			assert.Equal(t, types.ErrCodeResourceError, body.Error)
			assert.Equal(t, uint64(1000), body.AmountCharged)
			assert.NotContains(t, body.Message, "disk on fire")

			settles := client.settleCalls()
			require.Len(t, settles, 1)
			assert.Equal(t, uint64(1000), settles[0].Price.AmountMinorUnits)
			assert.Equal(t, []string{"VERIFYING", "SETTLED", "EXECUTING", "FINAL_SETTLING", "RESOURCE_FAILED"}, rec.transitions())
		})
	}
}

func TestUpTo_ProviderErrorBodyNotRelayed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal upstream trace: pod chat-7f9 at 10.0.3.7", http.StatusBadGateway)
	}))
	defer upstream.Close()

	client := &fakeSettlement{}
	h := handler(t, newMeteredGate(t, client), chatRoute(chat.New("k", chat.WithAPIURL(upstream.URL))))

	resp := do(h, http.MethodPost, "/api/ai-chat", `{"message":"hi"}`, paid())

	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.NotContains(t, resp.Body.String(), "10.0.3.7")
	assert.Equal(t, gate.ErrorBody{Error: types.ErrCodeUpstreamUnavailable, Message: "chat provider unavailable"}, decodeError(t, resp))
	assert.Empty(t, client.settleCalls())
}
