// Package amount converts between user-facing quantities and chain base
// units and sizes the fee/reserve buffers used by pots and transfer jobs.
//
// All values handled here are decimal.Decimal in base units unless a
// function name says otherwise. Base-unit values are always integral.
package amount

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ToBase converts a user-facing quantity to base units, dropping precision
// the asset cannot represent.
func ToBase(ui decimal.Decimal, decimals int32) decimal.Decimal {
	return ui.Shift(decimals).Truncate(0)
}

// FromBase converts base units to a user-facing quantity.
func FromBase(base decimal.Decimal, decimals int32) decimal.Decimal {
	return base.Shift(-decimals)
}

// Format renders base units as "<quantity> <symbol>".
func Format(base decimal.Decimal, decimals int32, symbol string) string {
	return FromBase(base, decimals).String() + " " + symbol
}

// Parse reads a positive user-facing quantity and returns base units.
func Parse(raw string, decimals int32) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("amount is required")
	}
	ui, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	base := ToBase(ui, decimals)
	if !base.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount %q must be at least %s", raw, FromBase(decimal.New(1, 0), decimals))
	}
	return base, nil
}

// SplitEqual divides total into n equal integral shares, rounding down.
func SplitEqual(total decimal.Decimal, n int) decimal.Decimal {
	if n <= 0 || !total.IsPositive() {
		return decimal.Zero
	}
	q, _ := total.QuoRem(decimal.NewFromInt(int64(n)), 0)
	return q
}

// NonNegative clamps d at zero.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
