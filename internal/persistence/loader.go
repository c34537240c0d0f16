package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"betledger/internal/account"
	"betledger/internal/agents"
	"betledger/internal/bet"
	"betledger/internal/commission"
	"betledger/internal/ledger"
	"betledger/internal/money"
)

// Loader rebuilds the in-memory state from Postgres on startup: accounts,
// their transaction history, and the still-pending bets with their
// exposure holds. Terminal bets stay in the database only.
type Loader struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewLoader(db *sql.DB, log zerolog.Logger) *Loader {
	return &Loader{db: db, log: log}
}

// Load replays durable state into the given stores. Call before the
// service starts serving traffic.
func (l *Loader) Load(
	ctx context.Context,
	accounts *account.Store,
	directory *agents.Index,
	txs *ledger.Ledger,
	bets *bet.Ledger,
) error {
	restored, err := l.loadAccounts(ctx, accounts, directory)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	if err := l.loadTransactions(ctx, restored, txs); err != nil {
		return fmt.Errorf("load transactions: %w", err)
	}

	pending, err := l.loadPendingBets(ctx, restored, bets)
	if err != nil {
		return fmt.Errorf("load pending bets: %w", err)
	}

	l.log.Info().
		Int("accounts", len(restored)).
		Int("pending_bets", pending).
		Msg("state restored from postgres")
	return nil
}

func (l *Loader) loadAccounts(
	ctx context.Context,
	accounts *account.Store,
	directory *agents.Index,
) (map[uuid.UUID]*account.Account, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, kind, parent_agent, opening_balance, credit_limit,
		       risk_deposit, commission_rate, active, flagged, created_at
		FROM wager.accounts
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	restored := make(map[uuid.UUID]*account.Account)
	for rows.Next() {
		var (
			a          account.Account
			idStr      string
			kindStr    string
			parentStr  sql.NullString
			opening    string
			credit     string
			deposit    string
			commission string
		)
		if err := rows.Scan(&idStr, &kindStr, &parentStr, &opening, &credit,
			&deposit, &commission, &a.Active, &a.Flagged, &a.Created); err != nil {
			return nil, err
		}

		if a.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("account id %q: %w", idStr, err)
		}
		if a.Kind, err = account.ParseKind(kindStr); err != nil {
			return nil, err
		}
		if parentStr.Valid {
			if a.ParentAgent, err = uuid.Parse(parentStr.String); err != nil {
				return nil, fmt.Errorf("parent agent %q: %w", parentStr.String, err)
			}
		}
		if a.Opening, err = decimal.NewFromString(opening); err != nil {
			return nil, err
		}
		if a.CreditLimit, err = decimal.NewFromString(credit); err != nil {
			return nil, err
		}
		if a.RiskDeposit, err = decimal.NewFromString(deposit); err != nil {
			return nil, err
		}
		if a.CommissionRate, err = decimal.NewFromString(commission); err != nil {
			return nil, err
		}

		// The transaction history moves the balance up from opening.
		a.Balance = a.Opening
		a.Exposure = money.Zero

		accounts.Restore(&a)
		directory.Register(a.ID, a.ParentAgent)
		restored[a.ID] = mustGet(accounts, a.ID)
	}
	return restored, rows.Err()
}

func (l *Loader) loadTransactions(
	ctx context.Context,
	restored map[uuid.UUID]*account.Account,
	txs *ledger.Ledger,
) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, account_id, tx_type, amount, balance_after, description, created_at
		FROM wager.transactions
		ORDER BY account_id, created_at, id
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	history := make(map[uuid.UUID][]ledger.Transaction)
	for rows.Next() {
		var (
			tx         ledger.Transaction
			idStr      string
			accStr     string
			typeStr    string
			amount     string
			balAfter   string
		)
		if err := rows.Scan(&idStr, &accStr, &typeStr, &amount, &balAfter,
			&tx.Description, &tx.CreatedAt); err != nil {
			return err
		}

		if tx.ID, err = uuid.Parse(idStr); err != nil {
			return err
		}
		if tx.AccountID, err = uuid.Parse(accStr); err != nil {
			return err
		}
		if tx.Type, err = ledger.ParseTxType(typeStr); err != nil {
			return err
		}
		tx.TypeName = tx.Type.String()
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return err
		}
		if tx.BalanceAfter, err = decimal.NewFromString(balAfter); err != nil {
			return err
		}

		history[tx.AccountID] = append(history[tx.AccountID], tx)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for accID, accTxs := range history {
		acc, ok := restored[accID]
		if !ok {
			l.log.Warn().
				Str("account_id", accID.String()).
				Msg("transactions for unknown account skipped")
			continue
		}
		txs.Restore(accID, accTxs)
		acc.Balance = accTxs[len(accTxs)-1].BalanceAfter
	}
	return nil
}

func (l *Loader) loadPendingBets(
	ctx context.Context,
	restored map[uuid.UUID]*account.Account,
	bets *bet.Ledger,
) (int, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, owner_id, match_id, market_id, bet_on, is_back, odds,
		       amount, potential_win, liability, status, actual_win, created_at
		FROM wager.bets
		WHERE status = 'PENDING'
		ORDER BY created_at
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			b         bet.Bet
			idStr     string
			ownerStr  string
			oddsStr   string
			amount    string
			potential string
			liability string
			statusStr string
			actual    string
		)
		if err := rows.Scan(&idStr, &ownerStr, &b.MatchID, &b.MarketID,
			&b.BetOn, &b.IsBack, &oddsStr, &amount, &potential, &liability,
			&statusStr, &actual, &b.CreatedAt); err != nil {
			return count, err
		}

		if b.ID, err = uuid.Parse(idStr); err != nil {
			return count, err
		}
		if b.OwnerID, err = uuid.Parse(ownerStr); err != nil {
			return count, err
		}
		if b.Odds, err = decimal.NewFromString(oddsStr); err != nil {
			return count, err
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return count, err
		}
		if b.PotentialWin, err = decimal.NewFromString(potential); err != nil {
			return count, err
		}
		if b.Liability, err = decimal.NewFromString(liability); err != nil {
			return count, err
		}
		if b.Status, err = bet.ParseStatus(statusStr); err != nil {
			return count, err
		}
		if b.ActualWin, err = decimal.NewFromString(actual); err != nil {
			return count, err
		}

		acc, ok := restored[b.OwnerID]
		if !ok {
			l.log.Warn().
				Str("bet_id", b.ID.String()).
				Str("owner_id", b.OwnerID.String()).
				Msg("pending bet for unknown account skipped")
			continue
		}

		bets.Restore(b)
		acc.Exposure = acc.Exposure.Add(b.Liability)
		count++
	}
	return count, rows.Err()
}

// ReplayCommissions closes the crash window between a bet's durable
// settlement and its commission cascade. The cascade's replay guard is
// rebuilt from wager.commissions first; then the cascade is re-run for
// every settled bet that has no commission rows at all. UNIQUE(bet_id,
// agent_id) on the table absorbs any overlap with rows still in flight.
// Call after Load, before the service starts serving traffic.
func (l *Loader) ReplayCommissions(ctx context.Context, cascade *commission.Cascade) (int, error) {
	if err := l.loadPostedCommissions(ctx, cascade); err != nil {
		return 0, fmt.Errorf("load commissions: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT b.id, b.owner_id, b.amount
		FROM wager.bets b
		WHERE b.status IN ('WON', 'LOST')
		  AND NOT EXISTS (
		      SELECT 1 FROM wager.commissions c WHERE c.bet_id = b.id
		  )
		ORDER BY b.created_at
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	replayed := 0
	for rows.Next() {
		var (
			b        bet.Bet
			idStr    string
			ownerStr string
			amount   string
		)
		if err := rows.Scan(&idStr, &ownerStr, &amount); err != nil {
			return replayed, err
		}
		if b.ID, err = uuid.Parse(idStr); err != nil {
			return replayed, err
		}
		if b.OwnerID, err = uuid.Parse(ownerStr); err != nil {
			return replayed, err
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return replayed, err
		}

		if _, err := cascade.Distribute(&b, b.Amount); err != nil {
			// The bet's settlement stands; the deferred queue carries the
			// broken step for reconciliation.
			l.log.Warn().
				Str("bet_id", b.ID.String()).
				Err(err).
				Msg("commission replay incomplete")
			continue
		}
		replayed++
	}
	if replayed > 0 {
		l.log.Info().Int("bets", replayed).Msg("commission cascade replayed")
	}
	return replayed, rows.Err()
}

func (l *Loader) loadPostedCommissions(ctx context.Context, cascade *commission.Cascade) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, bet_id, agent_id, rate, amount, paid, created_at
		FROM wager.commissions
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec      commission.Record
			idStr    string
			betStr   string
			agentStr string
			rate     string
			amount   string
		)
		if err := rows.Scan(&idStr, &betStr, &agentStr, &rate, &amount,
			&rec.Paid, &rec.CreatedAt); err != nil {
			return err
		}
		if rec.ID, err = uuid.Parse(idStr); err != nil {
			return err
		}
		if rec.BetID, err = uuid.Parse(betStr); err != nil {
			return err
		}
		if rec.AgentID, err = uuid.Parse(agentStr); err != nil {
			return err
		}
		if rec.Rate, err = decimal.NewFromString(rate); err != nil {
			return err
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return err
		}
		cascade.RestorePosted(rec)
	}
	return rows.Err()
}

func mustGet(s *account.Store, id uuid.UUID) *account.Account {
	a, err := s.Get(id)
	if err != nil {
		panic(err)
	}
	return a
}
