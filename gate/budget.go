package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/vitwit/x402gate/pricing"
	"github.com/vitwit/x402gate/resource"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/utils"
	"github.com/vitwit/x402gate/verification"
)

// AuthorizeRequest is the body of POST /budget/authorize.
type AuthorizeRequest struct {
	Resource   string `json:"resource" validate:"required"`
	Ceiling    uint64 `json:"ceiling" validate:"gt=0"`
	TTLSeconds int64  `json:"ttlSeconds" validate:"gte=0"`
}

// BudgetReport is the body returned by the budget endpoints.
type BudgetReport struct {
	Authorization      *types.BudgetAuthorization `json:"authorization"`
	Remaining          uint64                     `json:"remaining"`
	FormattedRemaining string                     `json:"formattedRemaining"`
	FormattedCeiling   string                     `json:"formattedCeiling"`
	Expired            bool                       `json:"expired"`
	Transaction        string                     `json:"transaction,omitempty"`
}

var errNoLedger = types.Errorf(types.ErrConfig, "budgets are not enabled")

// budgetEndpoint is the pseudo-resource the authorize route sells. Its
// output is produced by the ledger, not by Execute.
var budgetEndpoint = resource.Func(func(context.Context, *resource.Request) (*resource.Result, error) {
	return &resource.Result{}, nil
})

// AuthorizeBudget funds a budget. The caller pays the requested ceiling as a
// fixed price and the settled payer becomes the budget's owner.
func (g *Gate) AuthorizeBudget(w http.ResponseWriter, r *http.Request) {
	if g.ledger == nil {
		writeError(w, errNoLedger)
		return
	}
	route := Route{
		Name:     "budget-authorize",
		Method:   http.MethodPost,
		Path:     g.authorizePath,
		Resource: budgetEndpoint,
	}
	x, ok := g.begin(w, r, route)
	defer x.end()
	if !ok {
		return
	}

	var in AuthorizeRequest
	if err := json.Unmarshal(x.req.Body, &in); err != nil {
		g.reject(x, types.Errorf(types.ErrInvalidInput, "invalid authorize request body"))
		return
	}
	in.Resource = strings.TrimSpace(in.Resource)
	if err := utils.Validator().Struct(in); err != nil {
		g.reject(x, types.Errorf(types.ErrInvalidInput, "resource and a positive ceiling are required"))
		return
	}
	if !g.isBudgetResource(in.Resource) {
		g.reject(x, types.Errorf(types.ErrInvalidInput, "%q is not a budget resource", in.Resource))
		return
	}
	if limit := g.ledger.MaxCeiling(); in.Ceiling > limit {
		g.reject(x, types.Errorf(types.ErrCeilingExceedsMax, "ceiling %s exceeds maximum %s", g.format(in.Ceiling), g.format(limit)))
		return
	}
	ttl := g.budgetTTL
	if in.TTLSeconds > 0 {
		if limit := g.ledger.MaxTTL(); in.TTLSeconds > int64(limit/time.Second) {
			g.reject(x, types.Errorf(types.ErrInvalidInput, "ttlSeconds %d exceeds maximum %d", in.TTLSeconds, int64(limit/time.Second)))
			return
		}
		ttl = time.Duration(in.TTLSeconds) * time.Second
	}

	quote, err := g.engine.Quote(pricing.Fixed{Amount: in.Ceiling}, g.quoteCtx)
	if err != nil {
		g.reject(x, err)
		return
	}
	req := g.settlementRequest(x, quote, "Budget authorization for "+in.Resource)
	if req.Payload == "" {
		g.challenge(x, g.client.Settle, req)
		return
	}

	res, ok := g.authorize(x, g.client.Settle, req)
	if !ok {
		return
	}

	x.flow.To(StateExecuting)
	auth, err := g.ledger.Authorize(context.WithoutCancel(x.ctx), res.Payer, in.Resource, in.Ceiling, ttl)
	copyHeader(x.w.Header(), res.Header)
	if err != nil {
		x.flow.To(StateResourceFailed)
		g.log.Error("budget settled but not recorded", x.fields(map[string]any{
			"payer":       res.Payer,
			"amount":      in.Ceiling,
			"transaction": res.TxHash,
			"error":       err.Error(),
		}))
		writeError(x.w, err)
		return
	}

	x.flow.To(StateCompleted)
	g.log.Info("budget authorized", x.fields(map[string]any{
		"payer":      auth.Payer,
		"resource":   auth.Resource,
		"amount":     auth.CeilingMinorUnits,
		"expires_at": auth.ExpiresAt,
	}))
	status := g.status(auth)
	status.Transaction = res.TxHash
	writeJSON(x.w, http.StatusOK, status)
}

// BudgetStatus reports the budget of the voucher holder.
func (g *Gate) BudgetStatus(w http.ResponseWriter, r *http.Request) {
	if g.ledger == nil {
		writeError(w, errNoLedger)
		return
	}
	voucher, target, err := g.voucher(r)
	if err != nil {
		writeError(w, err)
		return
	}

	auth, err := g.ledger.Get(r.Context(), voucher.Payer, target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g.status(auth))
}

// RevokeBudget deletes the budget of the voucher holder. Revoking a missing
// budget succeeds.
func (g *Gate) RevokeBudget(w http.ResponseWriter, r *http.Request) {
	if g.ledger == nil {
		writeError(w, errNoLedger)
		return
	}
	voucher, target, err := g.voucher(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := g.ledger.Revoke(r.Context(), voucher.Payer, target); err != nil {
		g.log.Error("budget revoke failed", map[string]any{
			"payer":    voucher.Payer,
			"resource": target,
			"error":    err.Error(),
		})
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revoked":  true,
		"payer":    utils.AddressKey(voucher.Payer),
		"resource": target,
	})
}

// voucher verifies the X-BUDGET header against the resource named by the
// "resource" query parameter, or by the voucher itself when absent.
func (g *Gate) voucher(r *http.Request) (*types.BudgetVoucher, string, error) {
	header := r.Header.Get(verification.HeaderBudget)
	if header == "" {
		return nil, "", types.Errorf(types.ErrNotAuthorized, "X-BUDGET voucher required")
	}

	target := strings.TrimSpace(r.URL.Query().Get("resource"))
	if target == "" {
		bv, err := verification.DecodeVoucher(header)
		if err != nil {
			return nil, "", err
		}
		target = bv.Resource
	}

	bv, err := g.verifier.VerifyVoucher(header, g.audience(r), target)
	if err != nil {
		return nil, "", err
	}
	return bv, target, nil
}

func (g *Gate) status(auth *types.BudgetAuthorization) BudgetReport {
	return BudgetReport{
		Authorization:      auth,
		Remaining:          auth.Remaining(),
		FormattedRemaining: g.format(auth.Remaining()),
		FormattedCeiling:   g.format(auth.CeilingMinorUnits),
		Expired:            auth.ExpiredAt(g.ledger.Now()),
	}
}

func (g *Gate) isBudgetResource(path string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.budgetResources[path]
	return ok
}
