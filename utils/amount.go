package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseMinorUnits parses a base-10 integer amount in the asset's smallest unit.
func ParseMinorUnits(amount string) (uint64, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, fmt.Errorf("amount cannot be empty")
	}

	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return 0, fmt.Errorf("invalid amount format: %q", amount)
	}
	if v.Sign() < 0 {
		return 0, fmt.Errorf("amount cannot be negative")
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows uint64", amount)
	}
	return v.Uint64(), nil
}

// ParseBigInt parses a non-negative base-10 integer of arbitrary size.
func ParseBigInt(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("value cannot be empty")
	}

	bigInt, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid big integer format")
	}
	if bigInt.Sign() < 0 {
		return nil, fmt.Errorf("value cannot be negative")
	}
	return bigInt, nil
}

// ParseAmountWithDecimals converts a human amount ("0.15") into minor units
// for an asset with the given decimals. Fractions finer than the asset
// precision are rejected.
func ParseAmountWithDecimals(amount string, decimals int32) (uint64, error) {
	dec, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("invalid amount format: %w", err)
	}
	if dec.IsNegative() {
		return 0, fmt.Errorf("amount cannot be negative")
	}

	scaled := dec.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d decimals", amount, decimals)
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows uint64", amount)
	}
	return bi.Uint64(), nil
}

// FormatAmountFromBigInt renders minor units as a decimal string with the
// given precision.
func FormatAmountFromBigInt(value *big.Int, decimals int32) string {
	if value == nil {
		return "0"
	}
	return decimal.NewFromBigInt(value, -decimals).String()
}
