// Package risk decides whether a bet placement is financially safe:
// liability computation, stake limits, credit headroom and odds staleness.
package risk

import (
	"github.com/shopspring/decimal"

	"betledger/internal/money"
)

// Liability is the exposure a single bet contributes to the placing
// account. Backing a selection risks the stake itself; laying it risks the
// payout owed if the backed outcome occurs: amount * (odds - 1).
//
// Pure function; odds <= 1.0 never reach here, they are rejected as
// invalid input upstream.
func Liability(amount, odds decimal.Decimal, isBack bool) decimal.Decimal {
	if isBack {
		return amount
	}
	return money.Round(amount.Mul(odds.Sub(money.One)))
}
