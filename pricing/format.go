package pricing

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// USDCDecimals is the precision of USDC on every supported network.
const USDCDecimals = 6

var cent = decimal.New(1, -2)

// FormatUSDC renders minor units as a dollar amount with full precision,
// e.g. 1500 -> "$0.0015".
func FormatUSDC(amount uint64, decimals int32) string {
	d := decimal.NewFromBigInt(uint64ToBig(amount), -decimals)
	return "$" + d.StringFixed(decimals)
}

// FormatUSDCShort renders minor units for display: four decimals below one
// cent, two otherwise.
func FormatUSDCShort(amount uint64, decimals int32) string {
	d := decimal.NewFromBigInt(uint64ToBig(amount), -decimals)
	if d.LessThan(cent) {
		return "$" + d.StringFixed(4)
	}
	return "$" + d.StringFixed(2)
}

func uint64ToBig(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

// toUint64 converts a non-negative integral decimal. Values beyond uint64
// saturate.
func toUint64(d decimal.Decimal) uint64 {
	if d.Sign() <= 0 {
		return 0
	}
	bi := d.BigInt()
	if !bi.IsUint64() {
		return ^uint64(0)
	}
	return bi.Uint64()
}
