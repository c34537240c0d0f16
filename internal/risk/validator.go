package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"betledger/internal/account"
	"betledger/internal/config"
)

// Rejection reasons. All are synchronous: nothing has been mutated when
// one is returned.
var (
	ErrMaintenance        = errors.New("platform is in maintenance mode")
	ErrAccountInactive    = errors.New("account is deactivated")
	ErrInvalidOdds        = errors.New("odds must be greater than 1.0")
	ErrInvalidStake       = errors.New("stake must be positive")
	ErrMarketSuspended    = errors.New("market is suspended")
	ErrMarketLocked       = errors.New("market is locked")
	ErrSelectionUnknown   = errors.New("unknown market selection")
	ErrStakeOutOfRange    = errors.New("stake outside configured limits")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrOddsChanged        = errors.New("odds changed beyond tolerance")
)

// MarketState is the live state of one selection, supplied by the odds
// feed collaborator.
type MarketState struct {
	Suspended bool
	Locked    bool
	Odds      decimal.Decimal
}

// MarketSource resolves the live state of a market selection.
type MarketSource interface {
	State(ctx context.Context, matchID, marketID, selection string) (MarketState, error)
}

// PlaceRequest is a bet placement being validated.
type PlaceRequest struct {
	MatchID   string
	MarketID  string
	Selection string
	IsBack    bool
	Odds      decimal.Decimal
	Amount    decimal.Decimal
}

// Validator accepts or rejects placements. Acceptance is a precondition
// only; the state mutation happens in the bet ledger under the same
// account lock, so validation and commit cannot race.
type Validator struct {
	rules   *config.Provider
	markets MarketSource
}

func NewValidator(rules *config.Provider, markets MarketSource) *Validator {
	return &Validator{rules: rules, markets: markets}
}

// Validate runs the acceptance checks in order, short-circuiting on the
// first failure. The caller must hold the account lock so the exposure
// figure read in the credit check stays current through commit.
func (v *Validator) Validate(ctx context.Context, acc *account.Account, req PlaceRequest) error {
	rules := v.rules.Current()

	if rules.MaintenanceMode {
		return ErrMaintenance
	}
	if !acc.Active {
		return ErrAccountInactive
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidStake
	}
	if req.Odds.LessThanOrEqual(decimal.NewFromInt(1)) {
		return ErrInvalidOdds
	}

	state, err := v.markets.State(ctx, req.MatchID, req.MarketID, req.Selection)
	if err != nil {
		return err
	}
	if state.Suspended {
		return ErrMarketSuspended
	}
	if state.Locked {
		return ErrMarketLocked
	}

	min, max := rules.LimitsFor(acc.ID)
	if req.Amount.LessThan(min) || req.Amount.GreaterThan(max) {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrStakeOutOfRange, req.Amount, min, max)
	}

	prospective := acc.Exposure.Add(Liability(req.Amount, req.Odds, req.IsBack))
	if acc.Balance.Add(acc.CreditLimit).Sub(prospective).LessThan(acc.Floor()) {
		return fmt.Errorf("%w: exposure %s would exceed available %s",
			ErrInsufficientCredit, prospective, acc.Balance.Add(acc.CreditLimit))
	}

	if req.Odds.Sub(state.Odds).Abs().GreaterThan(rules.OddsTolerance) {
		return fmt.Errorf("%w: requested %s, live %s", ErrOddsChanged, req.Odds, state.Odds)
	}

	return nil
}
