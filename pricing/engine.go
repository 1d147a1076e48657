package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vitwit/x402gate/types"
)

const (
	// DefaultMinimum is the smallest non-zero settlement the protocol accepts:
	// $0.001 in a 6-decimal asset.
	DefaultMinimum uint64 = 1000

	unitsPerRate = 1000
)

var thousand = decimal.NewFromInt(unitsPerRate)

// QuoteContext carries the per-network settlement terms a quote is issued under.
type QuoteContext struct {
	Asset   string
	PayTo   string
	Network types.Network
}

// Settlement is the outcome of SettleAmount.
type Settlement struct {
	Amount   uint64
	Computed uint64
	Clamped  bool
	Warning  string
}

// Engine quotes prices and computes metered settlement amounts. It holds no
// state; the zero value is ready to use.
type Engine struct{}

// NewEngine returns a pricing engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Quote returns the price a caller must authorize for scheme. For UpTo the
// amount is the ceiling, independent of eventual usage.
func (e *Engine) Quote(scheme Scheme, qc QuoteContext) (types.PriceQuote, error) {
	if err := Validate(scheme); err != nil {
		return types.PriceQuote{}, err
	}
	if qc.Asset == "" || qc.PayTo == "" || qc.Network == "" {
		return types.PriceQuote{}, types.Errorf(types.ErrInvalidScheme,
			"quote context incomplete: asset=%q payTo=%q network=%q", qc.Asset, qc.PayTo, qc.Network)
	}

	var amount uint64
	switch s := scheme.(type) {
	case Fixed:
		amount = s.Amount
	case UpTo:
		amount = s.Ceiling
	case Budget:
		amount = s.PerCall
	}

	return types.PriceQuote{
		AmountMinorUnits: amount,
		Asset:            qc.Asset,
		PayTo:            qc.PayTo,
		Network:          qc.Network,
		Scheme:           scheme.WireScheme(),
	}, nil
}

// SettleAmount derives the final charge for a metered scheme from usage:
// ceil(total * rate / 1000), floored at the minimum and clamped at the ceiling.
// A clamp is reported in the returned Settlement, never applied silently.
func (e *Engine) SettleAmount(scheme Scheme, usage types.UsageRecord) (Settlement, error) {
	upTo, ok := scheme.(UpTo)
	if !ok {
		return Settlement{}, types.Errorf(types.ErrInvalidScheme, "settle amount requires an upto scheme, got %v", kindOf(scheme))
	}
	if err := Validate(upTo); err != nil {
		return Settlement{}, err
	}

	cost := decimal.NewFromInt(0)
	if usage.TotalUnits > 0 {
		cost = decimal.NewFromBigInt(uint64ToBig(usage.TotalUnits), 0).
			Mul(decimal.NewFromBigInt(uint64ToBig(upTo.RatePer1K), 0)).
			Div(thousand).
			Ceil()
	}

	computed := toUint64(cost)
	minimum := upTo.MinimumCharge()

	s := Settlement{Amount: computed, Computed: computed}
	if s.Amount < minimum {
		s.Amount = minimum
	}
	if s.Amount > upTo.Ceiling {
		s.Amount = upTo.Ceiling
		s.Clamped = true
		s.Warning = fmt.Sprintf("usage cost %s exceeds authorized ceiling %s; charged ceiling",
			FormatUSDC(computed, USDCDecimals), FormatUSDC(upTo.Ceiling, USDCDecimals))
	}
	return s, nil
}

// Validate checks that scheme has a configured price.
func Validate(scheme Scheme) error {
	switch s := scheme.(type) {
	case nil:
		return types.Errorf(types.ErrInvalidScheme, "no pricing scheme configured")
	case Fixed:
		if s.Amount == 0 {
			return types.Errorf(types.ErrInvalidScheme, "fixed scheme requires a non-zero amount")
		}
	case UpTo:
		if s.Ceiling == 0 {
			return types.Errorf(types.ErrInvalidScheme, "upto scheme requires a non-zero ceiling")
		}
		if s.RatePer1K == 0 {
			return types.Errorf(types.ErrInvalidScheme, "upto scheme requires a non-zero rate")
		}
		if s.MinimumCharge() > s.Ceiling {
			return types.Errorf(types.ErrInvalidScheme, "upto minimum %d exceeds ceiling %d", s.MinimumCharge(), s.Ceiling)
		}
	case Budget:
		if s.PerCall == 0 {
			return types.Errorf(types.ErrInvalidScheme, "budget scheme requires a non-zero per-call cost")
		}
	default:
		return types.Errorf(types.ErrInvalidScheme, "unknown pricing scheme %T", scheme)
	}
	return nil
}

func kindOf(s Scheme) Kind {
	if s == nil {
		return ""
	}
	return s.Kind()
}
