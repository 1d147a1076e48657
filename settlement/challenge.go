package settlement

import (
	"encoding/json"
	"net/http"

	"github.com/vitwit/x402gate/types"
)

// Challenge renders the 402 response for requirements. The body depends only
// on its inputs, so repeated challenges for a route are byte-identical.
func Challenge(requirements types.PaymentRequirements, reason string) *types.SettlementResult {
	body, err := json.Marshal(types.X402Response{
		X402Version: int(types.X402Version1),
		Accepts:     []types.PaymentRequirements{requirements},
		Error:       reason,
	})
	if err != nil {
		// Requirements hold only strings and ints.
		panic(err)
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &types.SettlementResult{
		StatusCode: http.StatusPaymentRequired,
		Body:       body,
		Header:     h,
	}
}

// failure renders a non-402 error result in the gate's error body format.
func failure(status int, code, message string) *types.SettlementResult {
	body, _ := json.Marshal(map[string]string{"error": code, "message": message})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &types.SettlementResult{
		StatusCode: status,
		Body:       body,
		Header:     h,
	}
}
