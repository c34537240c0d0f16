// Package ledger is the append-only transaction record behind every
// balance mutation. Replaying an account's rows in order reproduces its
// balance exactly; a continuity break is a fatal invariant violation for
// the offending operation, never silently repaired.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"betledger/internal/account"
)

// ErrInvariantViolation means the account balance no longer matches the
// last recorded balanceAfter. The operation is aborted and the account is
// flagged for reconciliation.
var ErrInvariantViolation = errors.New("ledger invariant violation")

// Sink receives every appended row for durable storage. Implementations
// must not block the mutation path.
type Sink interface {
	RecordTransaction(tx Transaction)
}

// Ledger keeps per-account transaction history, append-only.
type Ledger struct {
	mu      sync.RWMutex
	entries map[uuid.UUID][]Transaction

	sink Sink
	log  zerolog.Logger
}

func New(log zerolog.Logger, sink Sink) *Ledger {
	return &Ledger{
		entries: make(map[uuid.UUID][]Transaction),
		sink:    sink,
		log:     log,
	}
}

// Append records a balance-affecting event for acc and applies the balance
// delta implied by the transaction type. The caller must hold the account
// lock. Amount is a positive magnitude.
//
// Before mutating, the account's current balance is checked against the
// last row's balanceAfter; a mismatch aborts the operation, flags the
// account for reconciliation and returns ErrInvariantViolation.
func (l *Ledger) Append(acc *account.Account, typ TxType, amount decimal.Decimal, description string) (Transaction, error) {
	if !amount.IsPositive() {
		return Transaction{}, fmt.Errorf("transaction amount must be positive, got %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[acc.ID]
	if n := len(history); n > 0 {
		if !history[n-1].BalanceAfter.Equal(acc.Balance) {
			acc.Flagged = true
			l.log.Error().
				Str("account_id", acc.ID.String()).
				Str("ledger_balance", history[n-1].BalanceAfter.String()).
				Str("account_balance", acc.Balance.String()).
				Msg("balance diverged from ledger, account flagged for reconciliation")
			return Transaction{}, fmt.Errorf("%w: account %s", ErrInvariantViolation, acc.ID)
		}
	}

	balanceAfter := acc.Balance
	switch typ.Sign() {
	case +1:
		balanceAfter = balanceAfter.Add(amount)
	case -1:
		balanceAfter = balanceAfter.Sub(amount)
	}

	tx := Transaction{
		ID:           uuid.New(),
		AccountID:    acc.ID,
		Type:         typ,
		TypeName:     typ.String(),
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Description:  description,
		CreatedAt:    time.Now().UTC(),
	}

	acc.Balance = balanceAfter
	l.entries[acc.ID] = append(history, tx)

	if l.sink != nil {
		l.sink.RecordTransaction(tx)
	}
	return tx, nil
}

// History returns the most recent rows for an account, oldest first.
// limit <= 0 returns the full history.
func (l *Ledger) History(accountID uuid.UUID, limit int) []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	history := l.entries[accountID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]Transaction, len(history))
	copy(out, history)
	return out
}

// Restore warms an account's history from durable storage at startup.
// Rows must arrive oldest first; the last row's balanceAfter becomes the
// continuity anchor for the next Append.
func (l *Ledger) Restore(accountID uuid.UUID, rows []Transaction) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[accountID] = append(l.entries[accountID], rows...)
}

// Replay recomputes an account's balance from its full transaction history.
// The result must equal the live balance; the audit endpoint and tests
// depend on this round-trip.
func (l *Ledger) Replay(accountID uuid.UUID, opening decimal.Decimal) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	balance := opening
	for _, tx := range l.entries[accountID] {
		switch tx.Type.Sign() {
		case +1:
			balance = balance.Add(tx.Amount)
		case -1:
			balance = balance.Sub(tx.Amount)
		}
	}
	return balance
}
