// Package pricing computes the price to quote for a route and, for metered
// routes, the amount to settle once usage is known.
package pricing

import "github.com/vitwit/x402gate/types"

// Kind identifies a pricing scheme variant.
type Kind string

const (
	KindFixed  Kind = "fixed"
	KindUpTo   Kind = "upto"
	KindBudget Kind = "budget"
)

// Scheme is a pricing scheme. The concrete variants are Fixed, UpTo and Budget.
type Scheme interface {
	Kind() Kind
	// WireScheme is the x402 scheme name quoted to callers.
	WireScheme() types.PaymentScheme
}

// Fixed charges a static amount, settled before the resource runs.
type Fixed struct {
	Amount uint64 `json:"amount" yaml:"amount"`
}

func (Fixed) Kind() Kind { return KindFixed }
func (Fixed) WireScheme() types.PaymentScheme { return types.SchemeExact }

// UpTo quotes Ceiling, lets the resource run once the caller authorized it,
// and settles a usage-derived amount afterwards.
type UpTo struct {
	Ceiling   uint64 `json:"ceiling" yaml:"ceiling"`
	RatePer1K uint64 `json:"ratePer1k" yaml:"rate_per_1k"`
	// Minimum is the smallest amount ever settled. Zero means DefaultMinimum.
	Minimum uint64 `json:"minimum,omitempty" yaml:"minimum"`
}

func (UpTo) Kind() Kind { return KindUpTo }
func (UpTo) WireScheme() types.PaymentScheme { return types.SchemeUpTo }

// MinimumCharge returns the effective minimum.
func (u UpTo) MinimumCharge() uint64 {
	if u.Minimum == 0 {
		return DefaultMinimum
	}
	return u.Minimum
}

// Budget debits PerCall from a pre-funded budget authorization on every call.
type Budget struct {
	PerCall uint64 `json:"perCall" yaml:"per_call"`
}

func (Budget) Kind() Kind { return KindBudget }
func (Budget) WireScheme() types.PaymentScheme { return types.SchemeExact }
