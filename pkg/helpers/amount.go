// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(big.NewInt(100000000), 8) returns "1" (1 BTC).
func FormatAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// ParseAmount parses a decimal string to smallest units. Digits beyond the
// chain's precision are rejected rather than rounded.
func ParseAmount(s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("negative amount: %s", s)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimals", s, decimals)
	}
	return scaled.BigInt(), nil
}

// ParseBaseUnits parses a non-negative integer amount given in smallest units.
func ParseBaseUnits(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount: %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %s", s)
	}
	return v, nil
}
