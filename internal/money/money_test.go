package money_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"betledger/internal/money"
)

// ============================================================================
// Test: Round
// ============================================================================

func TestRound_CentPrecision(t *testing.T) {
	got := money.Round(money.MustParse("123.456"))
	if !got.Equal(money.MustParse("123.46")) {
		t.Errorf("got %s, want 123.46", got)
	}
}

func TestRound_BankersRounding(t *testing.T) {
	// Half-to-even: .125 rounds to .12, .135 rounds to .14.
	cases := []struct {
		in   string
		want string
	}{
		{"1.125", "1.12"},
		{"1.135", "1.14"},
		{"1.145", "1.14"},
		{"2.005", "2"},
	}
	for _, c := range cases {
		got := money.Round(money.MustParse(c.in))
		if !got.Equal(money.MustParse(c.want)) {
			t.Errorf("Round(%s) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestRound_AlreadyExact(t *testing.T) {
	got := money.Round(money.MustParse("1000"))
	if !got.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("got %s, want 1000", got)
	}
}

// ============================================================================
// Test: Parse
// ============================================================================

func TestParse_Valid(t *testing.T) {
	d, err := money.Parse("2.50")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Equal(money.MustParse("2.5")) {
		t.Errorf("got %s, want 2.5", d)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := money.Parse("not-a-number"); err == nil {
		t.Error("expected error for malformed amount")
	}
}

// ============================================================================
// Test: Percent
// ============================================================================

func TestPercent_CommissionTiers(t *testing.T) {
	basis := decimal.NewFromInt(1000)
	cases := []struct {
		rate string
		want string
	}{
		{"1.0", "10"},
		{"0.5", "5"},
		{"0.3", "3"},
	}
	for _, c := range cases {
		got := money.Percent(basis, money.MustParse(c.rate))
		if !got.Equal(money.MustParse(c.want)) {
			t.Errorf("Percent(1000, %s) = %s, want %s", c.rate, got, c.want)
		}
	}
}

func TestPercent_ZeroRate(t *testing.T) {
	got := money.Percent(decimal.NewFromInt(1000), money.Zero)
	if !got.IsZero() {
		t.Errorf("got %s, want 0", got)
	}
}

func TestPercent_RoundsToCents(t *testing.T) {
	// 333 * 0.3 / 100 = 0.999 -> 1.00
	got := money.Percent(decimal.NewFromInt(333), money.MustParse("0.3"))
	if !got.Equal(money.One) {
		t.Errorf("got %s, want 1", got)
	}
}
