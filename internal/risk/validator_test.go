package risk_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betledger/internal/account"
	"betledger/internal/config"
	"betledger/internal/money"
	"betledger/internal/risk"
)

// stubMarket serves a fixed state for every selection.
type stubMarket struct {
	state risk.MarketState
	err   error
}

func (s *stubMarket) State(ctx context.Context, matchID, marketID, selection string) (risk.MarketState, error) {
	return s.state, s.err
}

func testRules() config.Rules {
	return config.Rules{
		MinBet:        decimal.NewFromInt(100),
		MaxBet:        decimal.NewFromInt(500000),
		OddsTolerance: money.MustParse("0.05"),
		CancelGrace:   30 * time.Second,
		Overrides:     map[uuid.UUID]config.Override{},
	}
}

func newValidator(rules config.Rules, market *stubMarket) *risk.Validator {
	return risk.NewValidator(config.NewProvider(rules), market)
}

func newPlayer(t *testing.T, balance, credit int64) *account.Account {
	t.Helper()
	s := account.NewStore()
	a, err := s.Create(account.CreateParams{
		Kind:        account.KindPlayer,
		Balance:     decimal.NewFromInt(balance),
		CreditLimit: decimal.NewFromInt(credit),
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return a
}

func backReq(amount, odds string) risk.PlaceRequest {
	return risk.PlaceRequest{
		MatchID:   "m1",
		MarketID:  "match_odds",
		Selection: "india",
		IsBack:    true,
		Odds:      money.MustParse(odds),
		Amount:    money.MustParse(amount),
	}
}

// ============================================================================
// Test: Liability
// ============================================================================

func TestLiability_BackIsStake(t *testing.T) {
	got := risk.Liability(decimal.NewFromInt(1000), money.MustParse("2.5"), true)
	if !got.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("back liability = %s, want 1000", got)
	}
}

func TestLiability_LayIsPayoutOwed(t *testing.T) {
	// Laying 1000 at 3.0 risks 1000 * (3.0 - 1) = 2000.
	got := risk.Liability(decimal.NewFromInt(1000), money.MustParse("3.0"), false)
	if !got.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("lay liability = %s, want 2000", got)
	}
}

func TestLiability_LayRoundsToCents(t *testing.T) {
	got := risk.Liability(money.MustParse("333.33"), money.MustParse("1.755"), false)
	want := money.Round(money.MustParse("333.33").Mul(money.MustParse("0.755")))
	if !got.Equal(want) {
		t.Errorf("lay liability = %s, want %s", got, want)
	}
}

// ============================================================================
// Test: Validate
// ============================================================================

func TestValidate_Accepts(t *testing.T) {
	v := newValidator(testRules(), &stubMarket{state: risk.MarketState{Odds: money.MustParse("2.5")}})
	acc := newPlayer(t, 10000, 0)

	if err := v.Validate(context.Background(), acc, backReq("1000", "2.5")); err != nil {
		t.Errorf("unexpected rejection: %v", err)
	}
}

func TestValidate_Maintenance(t *testing.T) {
	rules := testRules()
	rules.MaintenanceMode = true
	v := newValidator(rules, &stubMarket{state: risk.MarketState{Odds: money.MustParse("2.5")}})
	acc := newPlayer(t, 10000, 0)

	err := v.Validate(context.Background(), acc, backReq("1000", "2.5"))
	if !errors.Is(err, risk.ErrMaintenance) {
		t.Errorf("got %v, want ErrMaintenance", err)
	}
}

func TestValidate_InactiveAccount(t *testing.T) {
	v := newValidator(testRules(), &stubMarket{state: risk.MarketState{Odds: money.MustParse("2.5")}})
	acc := newPlayer(t, 10000, 0)
	acc.Active = false

	err := v.Validate(context.Background(), acc, backReq("1000", "2.5"))
	if !errors.Is(err, risk.ErrAccountInactive) {
		t.Errorf("got %v, want ErrAccountInactive", err)
	}
}

func TestValidate_InvalidStakeAndOdds(t *testing.T) {
	v := newValidator(testRules(), &stubMarket{state: risk.MarketState{Odds: money.MustParse("2.5")}})
	acc := newPlayer(t, 10000, 0)

	if err := v.Validate(context.Background(), acc, backReq("0", "2.5")); !errors.Is(err, risk.ErrInvalidStake) {
		t.Errorf("zero stake: got %v, want ErrInvalidStake", err)
	}
	if err := v.Validate(context.Background(), acc, backReq("1000", "1.0")); !errors.Is(err, risk.ErrInvalidOdds) {
		t.Errorf("odds 1.0: got %v, want ErrInvalidOdds", err)
	}
	if err := v.Validate(context.Background(), acc, backReq("1000", "0.8")); !errors.Is(err, risk.ErrInvalidOdds) {
		t.Errorf("odds 0.8: got %v, want ErrInvalidOdds", err)
	}
}

func TestValidate_MarketSuspendedAndLocked(t *testing.T) {
	acc := newPlayer(t, 10000, 0)

	v := newValidator(testRules(), &stubMarket{state: risk.MarketState{Suspended: true, Odds: money.MustParse("2.5")}})
	if err := v.Validate(context.Background(), acc, backReq("1000", "2.5")); !errors.Is(err, risk.ErrMarketSuspended) {
		t.Errorf("got %v, want ErrMarketSuspended", err)
	}

	v = newValidator(testRules(), &stubMarket{state: risk.MarketState{Locked: true, Odds: money.MustParse("2.5")}})
	if err := v.Validate(context.Background(), acc, backReq("1000", "2.5")); !errors.Is(err, risk.ErrMarketLocked) {
		t.Errorf("got %v, want ErrMarketLocked", err)
	}
}

func TestValidate_MarketSourceError(t *testing.T) {
	v := newValidator(testRules(), &stubMarket{err: risk.ErrSelectionUnknown})
	acc := newPlayer(t, 10000, 0)

	err := v.Validate(context.Background(), acc, backReq("1000", "2.5"))
	if !errors.Is(err, risk.ErrSelectionUnknown) {
		t.Errorf("got %v, want ErrSelectionUnknown", err)
	}
}

func TestValidate_StakeLimits(t *testing.T) {
	v := newValidator(testRules(), &stubMarket{state: risk.MarketState{Odds: money.MustParse("2.5")}})
	acc := newPlayer(t, 10_000_000, 0)

	if err := v.Validate(context.Background(), acc, backReq("99", "2.5")); !errors.Is(err, risk.ErrStakeOutOfRange) {
		t.Errorf("below min: got %v, want ErrStakeOutOfRange", err)
	}
	if err := v.Validate(context.Background(), acc, backReq("500001", "2.5")); !errors.Is(err, risk.ErrStakeOutOfRange) {
		t.Errorf("above max: got %v, want ErrStakeOutOfRange", err)
	}
	// Boundary values are accepted.
	if err := v.Validate(context.Background(), acc, backReq("100", "2.5")); err != nil {
		t.Errorf("min stake rejected: %v", err)
	}
	if err := v.Validate(context.Background(), acc, backReq("500000", "2.5")); err != nil {
		t.Errorf("max stake rejected: %v", err)
	}
}

func TestValidate_StakeLimitOverride(t *testing.T) {
	acc := newPlayer(t, 10000, 0)

	rules := testRules()
	min := decimal.NewFromInt(500)
	rules.Overrides = map[uuid.UUID]config.Override{
		acc.ID: {MinBet: &min},
	}
	v := newValidator(rules, &stubMarket{state: risk.MarketState{Odds: money.MustParse("2.5")}})

	if err := v.Validate(context.Background(), acc, backReq("400", "2.5")); !errors.Is(err, risk.ErrStakeOutOfRange) {
		t.Errorf("below per-account min: got %v, want ErrStakeOutOfRange", err)
	}
	if err := v.Validate(context.Background(), acc, backReq("500", "2.5")); err != nil {
		t.Errorf("per-account min rejected: %v", err)
	}
}

func TestValidate_InsufficientCredit(t *testing.T) {
	v := newValidator(testRules(), &stubMarket{state: risk.MarketState{Odds: money.MustParse("3.0")}})

	// Laying 1000 at 3.0 carries liability 2000 against headroom 1500.
	acc := newPlayer(t, 0, 1500)
	req := backReq("1000", "3.0")
	req.IsBack = false

	err := v.Validate(context.Background(), acc, req)
	if !errors.Is(err, risk.ErrInsufficientCredit) {
		t.Errorf("got %v, want ErrInsufficientCredit", err)
	}
}

func TestValidate_CreditCountsExistingExposure(t *testing.T) {
	v := newValidator(testRules(), &stubMarket{state: risk.MarketState{Odds: money.MustParse("2.0")}})
	acc := newPlayer(t, 1000, 0)
	acc.Exposure = decimal.NewFromInt(800)

	// 300 more liability against 200 remaining headroom.
	err := v.Validate(context.Background(), acc, backReq("300", "2.0"))
	if !errors.Is(err, risk.ErrInsufficientCredit) {
		t.Errorf("got %v, want ErrInsufficientCredit", err)
	}
}

func TestValidate_AgentRiskDepositFloor(t *testing.T) {
	v := newValidator(testRules(), &stubMarket{state: risk.MarketState{Odds: money.MustParse("2.0")}})

	s := account.NewStore()
	agent, err := s.Create(account.CreateParams{
		Kind:        account.KindAgent,
		Balance:     decimal.NewFromInt(6000),
		RiskDeposit: decimal.NewFromInt(5000),
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}

	// Headroom above the floor is 1000; a 2000 stake breaches it.
	if err := v.Validate(context.Background(), agent, backReq("2000", "2.0")); !errors.Is(err, risk.ErrInsufficientCredit) {
		t.Errorf("got %v, want ErrInsufficientCredit", err)
	}
	if err := v.Validate(context.Background(), agent, backReq("1000", "2.0")); err != nil {
		t.Errorf("stake within floor rejected: %v", err)
	}
}

func TestValidate_OddsTolerance(t *testing.T) {
	v := newValidator(testRules(), &stubMarket{state: risk.MarketState{Odds: money.MustParse("2.50")}})
	acc := newPlayer(t, 10000, 0)

	if err := v.Validate(context.Background(), acc, backReq("1000", "2.60")); !errors.Is(err, risk.ErrOddsChanged) {
		t.Errorf("drift 0.10: got %v, want ErrOddsChanged", err)
	}
	// Drift exactly at tolerance is accepted.
	if err := v.Validate(context.Background(), acc, backReq("1000", "2.55")); err != nil {
		t.Errorf("drift 0.05 rejected: %v", err)
	}
	if err := v.Validate(context.Background(), acc, backReq("1000", "2.45")); err != nil {
		t.Errorf("drift -0.05 rejected: %v", err)
	}
}
