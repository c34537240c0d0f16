// Package money fixes the decimal conventions used for every monetary
// value in the ledger: stakes, odds, balances, exposure and commission.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// All balances and ledger amounts are stored at cent precision.
const Places = 2

var (
	Zero    = decimal.Zero
	One     = decimal.NewFromInt(1)
	Hundred = decimal.NewFromInt(100)
)

// Round normalizes a monetary value to cent precision using banker's
// rounding, so repeated settlement and commission math stays bias-free.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Places)
}

// Parse converts a decimal string into a monetary value.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for literals in tests and seed data.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Percent applies a percentage rate to a basis: basis * rate / 100,
// rounded to cent precision.
func Percent(basis, rate decimal.Decimal) decimal.Decimal {
	return Round(basis.Mul(rate).Div(Hundred))
}
