package gate

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/vitwit/x402gate/pricing"
	"github.com/vitwit/x402gate/settlement"
	"github.com/vitwit/x402gate/types"
	"github.com/vitwit/x402gate/verification"
)

// serveFixed settles the quoted amount, then executes.
func (g *Gate) serveFixed(x *exchange) {
	quote, err := g.engine.Quote(x.route.Scheme, g.quoteCtx)
	if err != nil {
		x.flow.To(StateRejected)
		writeError(x.w, err)
		return
	}

	req := g.settlementRequest(x, quote, x.route.Description)
	if req.Payload == "" {
		g.challenge(x, g.client.Settle, req)
		return
	}

	res, ok := g.authorize(x, g.client.Settle, req)
	if !ok {
		return
	}
	g.afterSettlement(x, res)

	x.flow.To(StateExecuting)
	out, err := x.route.Resource.Execute(x.ctx, x.req)
	copyHeader(x.w.Header(), res.Header)
	if err != nil {
		x.flow.To(StateResourceFailed)
		g.log.Error("resource failed after settlement", x.fields(map[string]any{
			"payer":  res.Payer,
			"amount": quote.AmountMinorUnits,
			"error":  err.Error(),
		}))
		writeError(x.w, resourceError(err))
		return
	}

	x.flow.To(StateCompleted)
	g.log.Info("request completed", x.fields(map[string]any{
		"payer":  res.Payer,
		"amount": quote.AmountMinorUnits,
	}))
	writeJSON(x.w, http.StatusOK, out.Body)
}

// serveUpTo verifies the ceiling, executes, meters and settles the final
// amount with the same payload.
func (g *Gate) serveUpTo(x *exchange) {
	scheme := x.route.Scheme.(pricing.UpTo)
	quote, err := g.engine.Quote(scheme, g.quoteCtx)
	if err != nil {
		x.flow.To(StateRejected)
		writeError(x.w, err)
		return
	}

	req := g.settlementRequest(x, quote, x.route.Description)
	if req.Payload == "" {
		g.challenge(x, g.client.Verify, req)
		return
	}

	if _, ok := g.authorize(x, g.client.Verify, req); !ok {
		return
	}

	x.flow.To(StateExecuting)
	out, err := x.route.Resource.Execute(x.ctx, x.req)
	if errors.Is(err, types.ErrUpstreamUnavailable) {
		// Nothing ran upstream; the verified authorization is left unsettled.
		x.flow.To(StateResourceFailed)
		g.log.Error("upstream unavailable, nothing settled", x.fields(map[string]any{
			"payer": x.req.Payer,
			"error": err.Error(),
		}))
		writeError(x.w, err)
		return
	}
	if err != nil {
		g.chargeMinimum(x, req, scheme, err)
		return
	}

	m := g.meter.Measure(out.Input, out.Output, out.Usage)
	s, err := g.engine.SettleAmount(scheme, m.Record)
	if err != nil {
		g.chargeMinimum(x, req, scheme, err)
		return
	}
	if s.Clamped {
		g.log.Warn("metered cost clamped to ceiling", x.fields(map[string]any{
			"payer":    x.req.Payer,
			"computed": s.Computed,
			"amount":   s.Amount,
		}))
	}

	res, ok := g.finalSettle(x, req, s.Amount)
	if !ok {
		return
	}
	g.afterSettlement(x, res)

	x.flow.To(StateCompleted)
	g.log.Info("metered request completed", x.fields(map[string]any{
		"payer":        res.Payer,
		"amount":       s.Amount,
		"tokens":       m.Record.TotalUnits,
		"usage_source": string(m.Source),
	}))

	copyHeader(x.w.Header(), res.Header)
	extra := map[string]any{
		"tokens":        m.Record.TotalUnits,
		"usage":         m.Record,
		"usageSource":   m.Source,
		"cost":          s.Amount,
		"formattedCost": g.format(s.Amount),
		"maxAuthorized": scheme.Ceiling,
		"timestamp":     g.now().UTC().Format(time.RFC3339),
	}
	if s.Clamped {
		x.w.Header().Set(HeaderPaymentWarning, s.Warning)
		extra["warning"] = s.Warning
	}
	writeJSON(x.w, http.StatusOK, merge(out.Body, extra))
}

// chargeMinimum settles the minimum charge for a metered resource that failed
// after its ceiling was verified, then reports the failure with the amount
// charged.
func (g *Gate) chargeMinimum(x *exchange, req *settlement.Request, scheme pricing.UpTo, cause error) {
	g.log.Error("metered resource failed after ceiling verification", x.fields(map[string]any{
		"payer": x.req.Payer,
		"error": cause.Error(),
	}))

	res, ok := g.finalSettle(x, req, scheme.MinimumCharge())
	if !ok {
		return
	}
	x.flow.To(StateResourceFailed)

	body := errorBody(resourceError(cause))
	copyHeader(x.w.Header(), res.Header)
	writeJSON(x.w, http.StatusBadGateway, map[string]any{
		"error":                  types.ErrCodeResourceError,
		"message":                body.Message,
		"amountCharged":          res.Amount,
		"formattedAmountCharged": g.format(res.Amount),
	})
}

// serveBudget verifies the caller's voucher and debits the per-call cost
// before executing. A debit is not refunded when the resource fails.
func (g *Gate) serveBudget(x *exchange) {
	scheme := x.route.Scheme.(pricing.Budget)
	quote, err := g.engine.Quote(scheme, g.quoteCtx)
	if err != nil {
		x.flow.To(StateRejected)
		writeError(x.w, err)
		return
	}

	header := x.r.Header.Get(verification.HeaderBudget)
	if header == "" {
		x.flow.To(StateAwaitingPayment)
		writeJSON(x.w, http.StatusPaymentRequired, BudgetChallenge{
			X402Version:   int(types.X402Version1),
			Error:         types.ErrCodeNotAuthorized,
			Message:       "X-BUDGET voucher required; authorize a budget first",
			Pricing:       string(pricing.KindBudget),
			Scheme:        quote.Scheme,
			Network:       quote.Network,
			Asset:         quote.Asset,
			PayTo:         quote.PayTo,
			Resource:      g.resourceURL(x.r, x.route.Path),
			BudgetKey:     x.route.Path,
			Method:        x.route.Method,
			Cost:          quote.AmountMinorUnits,
			FormattedCost: g.format(quote.AmountMinorUnits),
			AuthorizeURL:  g.resourceURL(x.r, g.authorizePath),
		})
		return
	}

	x.flow.To(StateVerifying)
	voucher, err := g.verifier.VerifyVoucher(header, g.audience(x.r), x.route.Path)
	if err != nil {
		g.reject(x, err)
		return
	}
	x.req.Payer = voucher.Payer

	debit, err := g.ledger.TryDebit(context.WithoutCancel(x.ctx), voucher.Payer, x.route.Path, scheme.PerCall)
	if err != nil {
		g.reject(x, err)
		return
	}
	if !debit.OK {
		g.reject(x, debit.Err())
		return
	}
	x.flow.To(StateSettled)

	x.flow.To(StateExecuting)
	out, err := x.route.Resource.Execute(x.ctx, x.req)
	if err != nil {
		x.flow.To(StateResourceFailed)
		g.log.Error("resource failed after budget debit", x.fields(map[string]any{
			"payer":  voucher.Payer,
			"amount": scheme.PerCall,
			"error":  err.Error(),
		}))
		writeError(x.w, resourceError(err))
		return
	}

	x.flow.To(StateCompleted)
	g.log.Info("budget request completed", x.fields(map[string]any{
		"payer":     voucher.Payer,
		"amount":    scheme.PerCall,
		"remaining": debit.Remaining,
	}))
	writeJSON(x.w, http.StatusOK, merge(out.Body, map[string]any{
		"cost":                     scheme.PerCall,
		"formattedCost":            g.format(scheme.PerCall),
		"remainingBudget":          debit.Remaining,
		"formattedRemainingBudget": g.format(debit.Remaining),
	}))
}

// BudgetChallenge is the 402 body of a budget route called without a
// voucher. Scheme is the wire scheme used to fund the budget; BudgetKey is
// the resource value to authorize and sign vouchers for.
type BudgetChallenge struct {
	X402Version   int                 `json:"x402Version"`
	Error         string              `json:"error"`
	Message       string              `json:"message"`
	Pricing       string              `json:"pricing"`
	Scheme        types.PaymentScheme `json:"scheme"`
	Network       types.Network       `json:"network"`
	Asset         string              `json:"asset"`
	PayTo         string              `json:"payTo"`
	Resource      string              `json:"resource"`
	BudgetKey     string              `json:"budgetKey"`
	Method        string              `json:"method"`
	Cost          uint64              `json:"cost"`
	FormattedCost string              `json:"formattedCost"`
	AuthorizeURL  string              `json:"authorizeUrl"`
}

func (g *Gate) reject(x *exchange, err error) {
	x.flow.To(StateRejected)
	g.log.Warn("request rejected", x.fields(map[string]any{
		"payer": x.req.Payer,
		"error": err.Error(),
	}))
	writeError(x.w, err)
}
