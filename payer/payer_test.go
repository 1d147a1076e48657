package payer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
	"github.com/vitwit/x402gate/verification"
)

const (
	testPrivateKey   = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress      = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	recipientAddress = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func testRequirements(amount string) types.PaymentRequirements {
	return types.PaymentRequirements{
		Scheme:            "exact",
		Network:           string(types.NetworkAvalancheFuji),
		MaxAmountRequired: amount,
		Resource:          "http://localhost/api/basic",
		MimeType:          "application/json",
		PayTo:             recipientAddress,
		MaxTimeoutSeconds: 300,
		Asset:             types.USDCFuji.Address,
		Extra: map[string]interface{}{
			"name":    types.USDCFuji.Name,
			"version": types.USDCFuji.Version,
			"method":  "GET",
		},
	}
}

func TestSigner_PaymentPassesPreflight(t *testing.T) {
	s, err := FromHex(testPrivateKey)
	require.NoError(t, err)
	assert.Equal(t, testAddress, s.Address())

	req := testRequirements("10000")
	header, err := s.PaymentHeader(req)
	require.NoError(t, err)

	p, err := verification.NewVerifier().Preflight(header, &req)
	require.NoError(t, err)
	assert.Equal(t, "10000", p.Payload.Authorization.Value)
	assert.Equal(t, testAddress, p.Payload.Authorization.From)
}

func TestSigner_NoncesAreUnique(t *testing.T) {
	s, err := FromHex("0x" + testPrivateKey)
	require.NoError(t, err)

	a, err := s.SignPayment(testRequirements("10000"))
	require.NoError(t, err)
	b, err := s.SignPayment(testRequirements("10000"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Payload.Authorization.Nonce, b.Payload.Authorization.Nonce)
}

func TestSigner_RejectsUnsupportedNetwork(t *testing.T) {
	s, err := FromHex(testPrivateKey)
	require.NoError(t, err)

	req := testRequirements("10000")
	req.Network = "solana"
	_, err = s.SignPayment(req)
	assert.Error(t, err)
}

func TestSigner_Voucher(t *testing.T) {
	now := time.Unix(1763450500, 0)
	s, err := FromHex(testPrivateKey, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	header, err := s.Voucher("https://Gate.example.com/api/agent?x=1", "/api/agent")
	require.NoError(t, err)

	v := verification.NewVerifier(verification.WithClock(func() time.Time { return now }))
	bv, err := v.VerifyVoucher(header, "https://gate.example.com", "/api/agent")
	require.NoError(t, err)
	assert.Equal(t, testAddress, bv.Payer)
	assert.Equal(t, "https://gate.example.com", bv.Audience)

	_, err = s.Voucher("/api/agent", "/api/agent")
	assert.Error(t, err)
}

func TestFromKeystore(t *testing.T) {
	key, err := crypto.HexToECDSA(testPrivateKey)
	require.NoError(t, err)

	k := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(key.PublicKey),
		PrivateKey: key,
	}
	data, err := keystore.EncryptKey(k, "hunter2", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s, err := FromKeystore(path, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testAddress, s.Address())

	_, err = FromKeystore(path, "wrong")
	assert.Error(t, err)
}

func TestClient_PaysChallenge(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		header := r.Header.Get("X-PAYMENT")
		if header == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(types.X402Response{
				X402Version: 1,
				Accepts:     []types.PaymentRequirements{testRequirements("10000")},
				Error:       "X-PAYMENT header is required",
			})
			return
		}

		req := testRequirements("10000")
		if _, err := verification.NewVerifier().Preflight(header, &req); err != nil {
			http.Error(w, err.Error(), http.StatusPaymentRequired)
			return
		}
		settled, _ := utils.EncodeHeader(types.SettleResponse{Success: true, Transaction: "0xabc", Network: req.Network, Payer: testAddress})
		w.Header().Set("X-PAYMENT-RESPONSE", settled)
		w.Write([]byte(`{"tier":"basic"}`))
	}))
	defer srv.Close()

	s, err := FromHex(testPrivateKey)
	require.NoError(t, err)
	c := NewClient(s, WithMaxAmount(10000))

	resp, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uint64(10000), resp.Paid)
	require.NotNil(t, resp.Settlement)
	assert.Equal(t, "0xabc", resp.Settlement.Transaction)
	assert.Equal(t, 2, calls)
}

func TestClient_RefusesAboveMax(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-PAYMENT") != "" {
			t.Error("client must not pay above its maximum")
		}
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(types.X402Response{
			X402Version: 1,
			Accepts:     []types.PaymentRequirements{testRequirements("500000")},
		})
	}))
	defer srv.Close()

	s, err := FromHex(testPrivateKey)
	require.NoError(t, err)

	_, err = NewClient(s, WithMaxAmount(10000)).Do(context.Background(), http.MethodGet, srv.URL, nil)
	assert.Error(t, err)
}

func TestClient_FreeResourcePassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s, err := FromHex(testPrivateKey)
	require.NoError(t, err)

	resp, err := NewClient(s).Do(context.Background(), http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Zero(t, resp.Paid)
	assert.Nil(t, resp.Settlement)
}
