package gate

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vitwit/x402gate/types"
)

// HeaderPaymentWarning carries a human-readable note when a metered charge
// was clamped to the authorized ceiling.
const HeaderPaymentWarning = "X-PAYMENT-WARNING"

const codeInternal = "INTERNAL_ERROR"

// ErrorBody is the JSON body of every error the gate produces itself.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusOf maps an error to its HTTP status by code.
func StatusOf(err error) int {
	switch types.CodeOf(err) {
	case types.ErrCodeNotAuthorized, types.ErrCodeExpired, types.ErrCodeInsufficientBudget:
		return http.StatusPaymentRequired
	case types.ErrCodeCeilingExceedsMax, types.ErrCodeInvalidPayload, types.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case types.ErrCodeResourceError:
		return http.StatusBadGateway
	case types.ErrCodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) ErrorBody {
	var xe *types.X402Error
	if errors.As(err, &xe) && xe != nil {
		return ErrorBody{Error: xe.Code, Message: xe.Message}
	}
	var xv types.X402Error
	if errors.As(err, &xv) {
		return ErrorBody{Error: xv.Code, Message: xv.Message}
	}
	return ErrorBody{Error: codeInternal, Message: "internal error"}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusOf(err), errorBody(err))
}

// relay writes a settlement result to the caller verbatim.
func relay(w http.ResponseWriter, res *types.SettlementResult) {
	copyHeader(w.Header(), res.Header)
	if w.Header().Get("Content-Type") == "" && len(res.Body) > 0 {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// merge flattens body into a JSON object and adds extra fields. A body that
// is not a JSON object is kept under "result".
func merge(body any, extra map[string]any) map[string]any {
	out := map[string]any{}
	if body != nil {
		if raw, err := json.Marshal(body); err == nil {
			if err := json.Unmarshal(raw, &out); err != nil {
				out = map[string]any{"result": body}
			}
		}
	}
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
