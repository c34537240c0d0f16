// Package wallet implements the money-movement operations that are not
// bets: deposits, withdrawals and transfers between accounts. Every
// movement lands as a ledger row under the affected account's lock.
package wallet

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"betledger/internal/account"
	"betledger/internal/ledger"
)

var (
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSelfTransfer     = errors.New("cannot transfer to the same account")
)

// Service moves money on and between accounts.
type Service struct {
	accounts    *account.Store
	txs         *ledger.Ledger
	lockTimeout time.Duration
	log         zerolog.Logger
}

func NewService(accounts *account.Store, txs *ledger.Ledger, lockTimeout time.Duration, log zerolog.Logger) *Service {
	return &Service{
		accounts:    accounts,
		txs:         txs,
		lockTimeout: lockTimeout,
		log:         log,
	}
}

// Deposit credits an account.
func (s *Service) Deposit(id uuid.UUID, amount decimal.Decimal, desc string) (ledger.Transaction, error) {
	if !amount.IsPositive() {
		return ledger.Transaction{}, ErrInvalidAmount
	}

	acc, err := s.accounts.Get(id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if !acc.Active {
		return ledger.Transaction{}, account.ErrInactive
	}
	if err := acc.Lock(s.lockTimeout); err != nil {
		return ledger.Transaction{}, err
	}
	defer acc.Unlock()

	if desc == "" {
		desc = "deposit"
	}
	tx, err := s.txs.Append(acc, ledger.TxDeposit, amount, desc)
	if err != nil {
		return ledger.Transaction{}, err
	}

	s.log.Info().
		Str("account_id", id.String()).
		Str("amount", amount.String()).
		Msg("deposit")
	return tx, nil
}

// Withdraw debits an account. The withdrawal must leave the account able
// to cover its held exposure and, for agents, the risk deposit floor.
func (s *Service) Withdraw(id uuid.UUID, amount decimal.Decimal, desc string) (ledger.Transaction, error) {
	if !amount.IsPositive() {
		return ledger.Transaction{}, ErrInvalidAmount
	}

	acc, err := s.accounts.Get(id)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if !acc.Active {
		return ledger.Transaction{}, account.ErrInactive
	}
	if err := acc.Lock(s.lockTimeout); err != nil {
		return ledger.Transaction{}, err
	}
	defer acc.Unlock()

	remaining := acc.Balance.Sub(amount)
	if remaining.IsNegative() ||
		remaining.Add(acc.CreditLimit).Sub(acc.Exposure).LessThan(acc.Floor()) {
		return ledger.Transaction{}, fmt.Errorf("%w: balance %s, exposure %s, requested %s",
			ErrInsufficientFunds, acc.Balance, acc.Exposure, amount)
	}

	if desc == "" {
		desc = "withdrawal"
	}
	tx, err := s.txs.Append(acc, ledger.TxWithdrawal, amount, desc)
	if err != nil {
		return ledger.Transaction{}, err
	}

	s.log.Info().
		Str("account_id", id.String()).
		Str("amount", amount.String()).
		Msg("withdrawal")
	return tx, nil
}

// Transfer moves money from one account to another as a debit/credit row
// pair. Locks are taken in a stable order so two opposite transfers can
// never deadlock.
func (s *Service) Transfer(from, to uuid.UUID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if from == to {
		return ErrSelfTransfer
	}

	src, err := s.accounts.Get(from)
	if err != nil {
		return err
	}
	dst, err := s.accounts.Get(to)
	if err != nil {
		return err
	}
	if !src.Active || !dst.Active {
		return account.ErrInactive
	}

	first, second := src, dst
	if strings.Compare(src.ID.String(), dst.ID.String()) > 0 {
		first, second = dst, src
	}
	release, err := account.LockChain(s.lockTimeout, first, second)
	if err != nil {
		return err
	}
	defer release()

	remaining := src.Balance.Sub(amount)
	if remaining.IsNegative() ||
		remaining.Add(src.CreditLimit).Sub(src.Exposure).LessThan(src.Floor()) {
		return fmt.Errorf("%w: balance %s, exposure %s, requested %s",
			ErrInsufficientFunds, src.Balance, src.Exposure, amount)
	}

	debitDesc := fmt.Sprintf("transfer to %s", to)
	if _, err := s.txs.Append(src, ledger.TxDebitTransfer, amount, debitDesc); err != nil {
		return err
	}

	creditDesc := fmt.Sprintf("transfer from %s", from)
	if _, err := s.txs.Append(dst, ledger.TxCreditTransfer, amount, creditDesc); err != nil {
		// The debit landed; surface loudly rather than silently unbalance.
		s.log.Error().
			Str("from", from.String()).
			Str("to", to.String()).
			Str("amount", amount.String()).
			Err(err).
			Msg("transfer credit leg failed after debit")
		return err
	}

	s.log.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("amount", amount.String()).
		Msg("transfer")
	return nil
}
