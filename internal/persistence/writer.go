// Package persistence is the durability boundary: an async worker drains
// a record channel and batch-writes rows to Postgres. The in-memory state
// is authoritative during a run; Postgres is the restart and audit store.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// RowWriter writes ledger rows to Postgres using multi-row INSERT.
// All statements are conflict-tolerant so replays after a crash or a NATS
// redelivery never double-write.
type RowWriter struct {
	db *sql.DB
}

// TransactionRow is a row in wager.transactions.
type TransactionRow struct {
	ID           string
	AccountID    string
	TxType       string
	Amount       string
	BalanceAfter string
	Description  string
	CreatedAt    time.Time
}

// BetRow is a row in wager.bets. Re-sent on every status change; the
// upsert keeps the latest terminal state.
type BetRow struct {
	ID           string
	OwnerID      string
	MatchID      string
	MarketID     string
	BetOn        string
	IsBack       bool
	Odds         string
	Amount       string
	PotentialWin string
	Liability    string
	Status       string
	ActualWin    string
	CreatedAt    time.Time
	SettledAt    *time.Time
}

// CommissionRow is a row in wager.commissions.
type CommissionRow struct {
	ID        string
	BetID     string
	AgentID   string
	Rate      string
	Amount    string
	Paid      bool
	CreatedAt time.Time
}

// AccountRow is a row in wager.accounts. Re-sent on status changes; the
// upsert keeps active and flagged current.
type AccountRow struct {
	ID             string
	Kind           string
	ParentAgent    *string
	OpeningBalance string
	CreditLimit    string
	RiskDeposit    string
	CommissionRate string
	Active         bool
	Flagged        bool
	CreatedAt      time.Time
}

// SettledMarketRow is a row in wager.settled_markets, the durable tier of
// settled-market deduplication.
type SettledMarketRow struct {
	MatchID   string
	MarketID  string
	Winner    string
	BetCount  int
	SettledAt time.Time
}

func NewRowWriter(db *sql.DB) *RowWriter {
	return &RowWriter{db: db}
}

// DB exposes the handle for the dedup checker and schema setup.
func (w *RowWriter) DB() *sql.DB {
	return w.db
}

// WriteTransactionBatch inserts transaction rows inside tx.
func (w *RowWriter) WriteTransactionBatch(ctx context.Context, tx *sql.Tx, rows []TransactionRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO wager.transactions
		(id, account_id, tx_type, amount, balance_after, description, created_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*7)

	for i, r := range rows {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			r.ID, r.AccountID, r.TxType, r.Amount,
			r.BalanceAfter, r.Description, r.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteBetBatch upserts bet rows inside tx.
func (w *RowWriter) WriteBetBatch(ctx context.Context, tx *sql.Tx, rows []BetRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO wager.bets
		(id, owner_id, match_id, market_id, bet_on, is_back, odds, amount,
		 potential_win, liability, status, actual_win, created_at, settled_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*14)

	for i, r := range rows {
		base := i * 14
		placeholders := make([]string, 14)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			r.ID, r.OwnerID, r.MatchID, r.MarketID, r.BetOn, r.IsBack,
			r.Odds, r.Amount, r.PotentialWin, r.Liability, r.Status,
			r.ActualWin, r.CreatedAt, r.SettledAt,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (id) DO UPDATE SET
		status = EXCLUDED.status,
		actual_win = EXCLUDED.actual_win,
		settled_at = EXCLUDED.settled_at`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteCommissionBatch inserts commission rows inside tx. The unique
// (bet_id, agent_id) pair absorbs cascade replays.
func (w *RowWriter) WriteCommissionBatch(ctx context.Context, tx *sql.Tx, rows []CommissionRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO wager.commissions
		(id, bet_id, agent_id, rate, amount, paid, created_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*7)

	for i, r := range rows {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			r.ID, r.BetID, r.AgentID, r.Rate, r.Amount, r.Paid, r.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (bet_id, agent_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteAccountBatch upserts account rows inside tx.
func (w *RowWriter) WriteAccountBatch(ctx context.Context, tx *sql.Tx, rows []AccountRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO wager.accounts
		(id, kind, parent_agent, opening_balance, credit_limit, risk_deposit,
		 commission_rate, active, flagged, created_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*10)

	for i, r := range rows {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
			base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			r.ID, r.Kind, r.ParentAgent, r.OpeningBalance, r.CreditLimit,
			r.RiskDeposit, r.CommissionRate, r.Active, r.Flagged, r.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (id) DO UPDATE SET
		active = EXCLUDED.active,
		flagged = EXCLUDED.flagged`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteSettledMarketBatch inserts settled-market rows inside tx.
func (w *RowWriter) WriteSettledMarketBatch(ctx context.Context, tx *sql.Tx, rows []SettledMarketRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO wager.settled_markets
		(match_id, market_id, winner, bet_count, settled_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*5)

	for i, r := range rows {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args,
			r.MatchID, r.MarketID, r.Winner, r.BetCount, r.SettledAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (match_id, market_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
