package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TxType classifies every balance-affecting event.
type TxType int32

const (
	TxDeposit TxType = iota
	TxWithdrawal
	TxBetPlaced
	TxBetWon
	TxBetLost
	TxBetRefund
	TxCreditTransfer
	TxDebitTransfer
	TxCommissionEarned
	TxSettlementPayout
)

func (t TxType) String() string {
	switch t {
	case TxDeposit:
		return "DEPOSIT"
	case TxWithdrawal:
		return "WITHDRAWAL"
	case TxBetPlaced:
		return "BET_PLACED"
	case TxBetWon:
		return "BET_WON"
	case TxBetLost:
		return "BET_LOST"
	case TxBetRefund:
		return "BET_REFUND"
	case TxCreditTransfer:
		return "CREDIT_TRANSFER"
	case TxDebitTransfer:
		return "DEBIT_TRANSFER"
	case TxCommissionEarned:
		return "COMMISSION_EARNED"
	case TxSettlementPayout:
		return "SETTLEMENT_PAYOUT"
	default:
		return "UNKNOWN"
	}
}

// ParseTxType converts a stored type name back to its TxType.
func ParseTxType(s string) (TxType, error) {
	for t := TxDeposit; t <= TxSettlementPayout; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return TxDeposit, fmt.Errorf("unknown transaction type %q", s)
}

// Sign is the balance delta direction for the type: +1 credit, -1 debit,
// 0 for exposure-hold markers that leave the balance untouched (the stake
// of a placed bet is held as exposure, not debited; a refund releases that
// hold without a balance movement).
func (t TxType) Sign() int {
	switch t {
	case TxDeposit, TxBetWon, TxCreditTransfer, TxCommissionEarned, TxSettlementPayout:
		return +1
	case TxWithdrawal, TxBetLost, TxDebitTransfer:
		return -1
	default: // TxBetPlaced, TxBetRefund
		return 0
	}
}

// Transaction is one append-only ledger row. Amount is always a positive
// magnitude; BalanceAfter is the account balance immediately after the row
// is applied.
type Transaction struct {
	ID           uuid.UUID       `json:"id"`
	AccountID    uuid.UUID       `json:"account_id"`
	Type         TxType          `json:"-"`
	TypeName     string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Description  string          `json:"description"`
	CreatedAt    time.Time       `json:"created_at"`
}
