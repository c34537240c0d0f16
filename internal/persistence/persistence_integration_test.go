package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"betledger/internal/account"
	"betledger/internal/agents"
	"betledger/internal/bet"
	"betledger/internal/commission"
	"betledger/internal/config"
	"betledger/internal/ledger"
	"betledger/internal/money"
	"betledger/internal/persistence"
	"betledger/internal/risk"
	"betledger/internal/testutil"
)

type allowAllMarket struct{}

func (allowAllMarket) State(ctx context.Context, matchID, marketID, selection string) (risk.MarketState, error) {
	return risk.MarketState{Odds: money.MustParse("2.5")}, nil
}

// ============================================================================
// Test: Write / Load round trip (integration)
// ============================================================================

func TestRoundTrip_AccountsTransactionsBets(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := persistence.NewRowWriter(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	accountID := uuid.NewString()
	txID := uuid.NewString()
	betID := uuid.NewString()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := writer.WriteAccountBatch(ctx, tx, []persistence.AccountRow{{
		ID:             accountID,
		Kind:           "PLAYER",
		OpeningBalance: "10000",
		CreditLimit:    "0",
		RiskDeposit:    "0",
		CommissionRate: "0",
		Active:         true,
		CreatedAt:      now,
	}}); err != nil {
		t.Fatalf("write account: %v", err)
	}
	if err := writer.WriteTransactionBatch(ctx, tx, []persistence.TransactionRow{{
		ID:           txID,
		AccountID:    accountID,
		TxType:       "DEPOSIT",
		Amount:       "500",
		BalanceAfter: "10500",
		Description:  "deposit",
		CreatedAt:    now,
	}}); err != nil {
		t.Fatalf("write transaction: %v", err)
	}
	if err := writer.WriteBetBatch(ctx, tx, []persistence.BetRow{{
		ID:           betID,
		OwnerID:      accountID,
		MatchID:      "m1",
		MarketID:     "match_odds",
		BetOn:        "india",
		IsBack:       true,
		Odds:         "2.5",
		Amount:       "1000",
		PotentialWin: "1500",
		Liability:    "1000",
		Status:       "PENDING",
		ActualWin:    "0",
		CreatedAt:    now,
	}}); err != nil {
		t.Fatalf("write bet: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Restore into fresh in-memory state.
	accounts := account.NewStore()
	directory := agents.NewIndex()
	txs := ledger.New(zerolog.Nop(), nil)
	rules := config.NewProvider(config.Rules{
		MinBet:    decimal.NewFromInt(100),
		MaxBet:    decimal.NewFromInt(500000),
		Overrides: map[uuid.UUID]config.Override{},
	})
	bets := bet.NewLedger(accounts, risk.NewValidator(rules, allowAllMarket{}),
		txs, rules, time.Second, nil, zerolog.Nop())

	if err := persistence.NewLoader(db, zerolog.Nop()).Load(ctx, accounts, directory, txs, bets); err != nil {
		t.Fatalf("load: %v", err)
	}

	acc, err := accounts.Get(uuid.MustParse(accountID))
	if err != nil {
		t.Fatalf("restored account missing: %v", err)
	}
	if !acc.Balance.Equal(decimal.NewFromInt(10500)) {
		t.Errorf("balance = %s, want last balance_after 10500", acc.Balance)
	}
	if !acc.Exposure.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("exposure = %s, want pending liability 1000", acc.Exposure)
	}

	history := txs.History(acc.ID, 0)
	if len(history) != 1 {
		t.Fatalf("history rows = %d, want 1", len(history))
	}
	if history[0].Type != ledger.TxDeposit {
		t.Errorf("row type = %s, want DEPOSIT", history[0].Type)
	}

	restored, err := bets.Get(uuid.MustParse(betID))
	if err != nil {
		t.Fatalf("restored bet missing: %v", err)
	}
	if restored.Status != bet.StatusPending {
		t.Errorf("status = %s, want PENDING", restored.Status)
	}
	if len(bets.PendingByMarket("m1", "match_odds")) != 1 {
		t.Error("restored bet missing from market index")
	}
}

func TestWriteBetBatch_UpsertKeepsTerminalState(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := persistence.NewRowWriter(db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	row := persistence.BetRow{
		ID:           uuid.NewString(),
		OwnerID:      uuid.NewString(),
		MatchID:      "m1",
		MarketID:     "match_odds",
		BetOn:        "india",
		IsBack:       true,
		Odds:         "2.5",
		Amount:       "1000",
		PotentialWin: "1500",
		Liability:    "1000",
		Status:       "PENDING",
		ActualWin:    "0",
		CreatedAt:    now,
	}

	write := func(r persistence.BetRow) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := writer.WriteBetBatch(ctx, tx, []persistence.BetRow{r}); err != nil {
			t.Fatalf("write bet: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	write(row)
	settled := now.Add(time.Minute)
	row.Status = "WON"
	row.ActualWin = "2500"
	row.SettledAt = &settled
	write(row)

	var status, actualWin string
	if err := db.QueryRowContext(ctx,
		"SELECT status, actual_win FROM wager.bets WHERE id = $1", row.ID,
	).Scan(&status, &actualWin); err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != "WON" || actualWin != "2500" {
		t.Errorf("status/actual_win = %s/%s, want WON/2500", status, actualWin)
	}
}

// ============================================================================
// Test: PostgresSettledChecker (integration)
// ============================================================================

func TestPostgresSettledChecker(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	checker := persistence.NewPostgresSettledChecker(db)

	settled, err := checker.IsSettled("m1", "match_odds")
	if err != nil {
		t.Fatalf("check fresh: %v", err)
	}
	if settled {
		t.Error("fresh market should not be settled")
	}

	writer := persistence.NewRowWriter(db)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := writer.WriteSettledMarketBatch(ctx, tx, []persistence.SettledMarketRow{{
		MatchID:   "m1",
		MarketID:  "match_odds",
		Winner:    "india",
		BetCount:  3,
		SettledAt: time.Now().UTC(),
	}}); err != nil {
		t.Fatalf("write settled market: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	settled, err = checker.IsSettled("m1", "match_odds")
	if err != nil {
		t.Fatalf("check settled: %v", err)
	}
	if !settled {
		t.Error("written market should be settled")
	}
}

// ============================================================================
// Test: ReplayCommissions (integration)
// ============================================================================

// A crash between a bet's durable settlement and its cascade leaves WON or
// LOST rows without commission rows. Startup replay pays them exactly once.
func TestReplayCommissions_PaysSettledBetWithoutRows(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := persistence.NewRowWriter(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	agentID := uuid.NewString()
	playerID := uuid.NewString()
	betID := uuid.NewString()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := writer.WriteAccountBatch(ctx, tx, []persistence.AccountRow{
		{
			ID:             agentID,
			Kind:           "AGENT",
			OpeningBalance: "0",
			CreditLimit:    "0",
			RiskDeposit:    "0",
			CommissionRate: "1.0",
			Active:         true,
			CreatedAt:      now,
		},
		{
			ID:             playerID,
			Kind:           "PLAYER",
			ParentAgent:    &agentID,
			OpeningBalance: "10000",
			CreditLimit:    "0",
			RiskDeposit:    "0",
			CommissionRate: "0",
			Active:         true,
			CreatedAt:      now.Add(time.Second),
		},
	}); err != nil {
		t.Fatalf("write accounts: %v", err)
	}
	if err := writer.WriteBetBatch(ctx, tx, []persistence.BetRow{{
		ID:           betID,
		OwnerID:      playerID,
		MatchID:      "m1",
		MarketID:     "match_odds",
		BetOn:        "india",
		IsBack:       true,
		Odds:         "2.5",
		Amount:       "1000",
		PotentialWin: "1500",
		Liability:    "1000",
		Status:       "LOST",
		ActualWin:    "0",
		CreatedAt:    now,
	}}); err != nil {
		t.Fatalf("write bet: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	accounts := account.NewStore()
	directory := agents.NewIndex()
	txs := ledger.New(zerolog.Nop(), nil)
	rules := config.NewProvider(config.Rules{
		MinBet:    decimal.NewFromInt(100),
		MaxBet:    decimal.NewFromInt(500000),
		Overrides: map[uuid.UUID]config.Override{},
	})
	bets := bet.NewLedger(accounts, risk.NewValidator(rules, allowAllMarket{}),
		txs, rules, time.Second, nil, zerolog.Nop())

	loader := persistence.NewLoader(db, zerolog.Nop())
	if err := loader.Load(ctx, accounts, directory, txs, bets); err != nil {
		t.Fatalf("load: %v", err)
	}

	cascade := commission.NewCascade(directory, accounts, txs, 8, time.Second, nil, zerolog.Nop())
	replayed, err := loader.ReplayCommissions(ctx, cascade)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed != 1 {
		t.Fatalf("replayed = %d, want 1", replayed)
	}

	agent, err := accounts.Get(uuid.MustParse(agentID))
	if err != nil {
		t.Fatalf("agent missing: %v", err)
	}
	if !agent.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("agent balance = %s, want 10 (1%% of stake 1000)", agent.Balance)
	}
	if len(cascade.RecordsFor(uuid.MustParse(betID))) != 1 {
		t.Error("replayed commission not in posted records")
	}

	// A second pass over the same state must not pay again.
	if _, err := loader.ReplayCommissions(ctx, cascade); err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if !agent.Balance.Equal(decimal.NewFromInt(10)) {
		t.Errorf("agent balance after second replay = %s, want still 10", agent.Balance)
	}
}

// A bet that already has durable commission rows is excluded from replay,
// and its rows rebuild the guard of a fresh cascade.
func TestReplayCommissions_DurableRowsRebuildGuard(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := persistence.NewRowWriter(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	agentID := uuid.NewString()
	playerID := uuid.NewString()
	betID := uuid.NewString()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := writer.WriteAccountBatch(ctx, tx, []persistence.AccountRow{
		{
			ID:             agentID,
			Kind:           "AGENT",
			OpeningBalance: "0",
			CreditLimit:    "0",
			RiskDeposit:    "0",
			CommissionRate: "1.0",
			Active:         true,
			CreatedAt:      now,
		},
		{
			ID:             playerID,
			Kind:           "PLAYER",
			ParentAgent:    &agentID,
			OpeningBalance: "10000",
			CreditLimit:    "0",
			RiskDeposit:    "0",
			CommissionRate: "0",
			Active:         true,
			CreatedAt:      now.Add(time.Second),
		},
	}); err != nil {
		t.Fatalf("write accounts: %v", err)
	}
	if err := writer.WriteBetBatch(ctx, tx, []persistence.BetRow{{
		ID:           betID,
		OwnerID:      playerID,
		MatchID:      "m1",
		MarketID:     "match_odds",
		BetOn:        "india",
		IsBack:       true,
		Odds:         "2.5",
		Amount:       "1000",
		PotentialWin: "1500",
		Liability:    "1000",
		Status:       "WON",
		ActualWin:    "2500",
		CreatedAt:    now,
	}}); err != nil {
		t.Fatalf("write bet: %v", err)
	}
	if err := writer.WriteCommissionBatch(ctx, tx, []persistence.CommissionRow{{
		ID:        uuid.NewString(),
		BetID:     betID,
		AgentID:   agentID,
		Rate:      "1.0",
		Amount:    "10",
		CreatedAt: now,
	}}); err != nil {
		t.Fatalf("write commission: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	accounts := account.NewStore()
	directory := agents.NewIndex()
	txs := ledger.New(zerolog.Nop(), nil)
	rules := config.NewProvider(config.Rules{
		MinBet:    decimal.NewFromInt(100),
		MaxBet:    decimal.NewFromInt(500000),
		Overrides: map[uuid.UUID]config.Override{},
	})
	bets := bet.NewLedger(accounts, risk.NewValidator(rules, allowAllMarket{}),
		txs, rules, time.Second, nil, zerolog.Nop())

	loader := persistence.NewLoader(db, zerolog.Nop())
	if err := loader.Load(ctx, accounts, directory, txs, bets); err != nil {
		t.Fatalf("load: %v", err)
	}

	cascade := commission.NewCascade(directory, accounts, txs, 8, time.Second, nil, zerolog.Nop())
	replayed, err := loader.ReplayCommissions(ctx, cascade)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed != 0 {
		t.Errorf("replayed = %d, want 0 (bet already has commission rows)", replayed)
	}

	agent, err := accounts.Get(uuid.MustParse(agentID))
	if err != nil {
		t.Fatalf("agent missing: %v", err)
	}
	if !agent.Balance.IsZero() {
		t.Errorf("agent balance = %s, want 0 (already paid before restart)", agent.Balance)
	}
	if len(cascade.RecordsFor(uuid.MustParse(betID))) != 1 {
		t.Error("durable commission row should rebuild the posted guard")
	}
}

// ============================================================================
// Test: Worker shutdown drain (integration)
// ============================================================================

// On shutdown the channel is closed after all producers stop; the worker
// must flush a partial batch before returning.
func TestWorker_FlushesFinalBatchOnClose(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := persistence.NewMigrator(db, "../../migrations", zerolog.Nop()).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ch := make(chan persistence.Record, 16)
	worker := persistence.NewWorker(db, ch, 100, time.Second, nil, zerolog.Nop())

	txID := uuid.NewString()
	ch <- persistence.Record{Transaction: &persistence.TransactionRow{
		ID:           txID,
		AccountID:    uuid.NewString(),
		TxType:       "DEPOSIT",
		Amount:       "500",
		BalanceAfter: "10500",
		Description:  "deposit",
		CreatedAt:    time.Now().UTC(),
	}}
	close(ch)

	// One record is far below the batch size, so only the close path can
	// have flushed it.
	if err := worker.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM wager.transactions WHERE id = $1", txID,
	).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 1 {
		t.Error("final batch not flushed on channel close")
	}
}
