package persistence

import (
	"time"

	"github.com/google/uuid"

	"betledger/internal/account"
	"betledger/internal/bet"
	"betledger/internal/commission"
	"betledger/internal/ledger"
	"betledger/internal/observability"
	"betledger/internal/settlement"
)

// Recorder bridges the domain sinks onto the persist channel. Sends are
// blocking: when the worker falls behind, placement and settlement stall
// instead of losing rows.
type Recorder struct {
	ch      chan<- Record
	metrics *observability.Metrics
}

func NewRecorder(ch chan<- Record, metrics *observability.Metrics) *Recorder {
	return &Recorder{ch: ch, metrics: metrics}
}

func (r *Recorder) send(rec Record) {
	if r.metrics != nil && len(r.ch) == cap(r.ch) {
		r.metrics.PersistBackpressure.Inc()
	}
	r.ch <- rec
}

// RecordTransaction implements ledger.Sink.
func (r *Recorder) RecordTransaction(tx ledger.Transaction) {
	r.send(Record{Transaction: &TransactionRow{
		ID:           tx.ID.String(),
		AccountID:    tx.AccountID.String(),
		TxType:       tx.Type.String(),
		Amount:       tx.Amount.String(),
		BalanceAfter: tx.BalanceAfter.String(),
		Description:  tx.Description,
		CreatedAt:    tx.CreatedAt,
	}})
}

// RecordBet implements bet.Sink.
func (r *Recorder) RecordBet(b bet.Bet) {
	var settledAt *time.Time
	if !b.SettledAt.IsZero() {
		t := b.SettledAt
		settledAt = &t
	}
	r.send(Record{Bet: &BetRow{
		ID:           b.ID.String(),
		OwnerID:      b.OwnerID.String(),
		MatchID:      b.MatchID,
		MarketID:     b.MarketID,
		BetOn:        b.BetOn,
		IsBack:       b.IsBack,
		Odds:         b.Odds.String(),
		Amount:       b.Amount.String(),
		PotentialWin: b.PotentialWin.String(),
		Liability:    b.Liability.String(),
		Status:       b.Status.String(),
		ActualWin:    b.ActualWin.String(),
		CreatedAt:    b.CreatedAt,
		SettledAt:    settledAt,
	}})
}

// RecordAccount implements account.Sink.
func (r *Recorder) RecordAccount(a *account.Account) {
	var parent *string
	if a.ParentAgent != uuid.Nil {
		s := a.ParentAgent.String()
		parent = &s
	}
	r.send(Record{Account: &AccountRow{
		ID:             a.ID.String(),
		Kind:           a.Kind.String(),
		ParentAgent:    parent,
		OpeningBalance: a.Opening.String(),
		CreditLimit:    a.CreditLimit.String(),
		RiskDeposit:    a.RiskDeposit.String(),
		CommissionRate: a.CommissionRate.String(),
		Active:         a.Active,
		Flagged:        a.Flagged,
		CreatedAt:      a.Created,
	}})
}

// RecordCommission implements commission.Sink.
func (r *Recorder) RecordCommission(c commission.Record) {
	r.send(Record{Commission: &CommissionRow{
		ID:        c.ID.String(),
		BetID:     c.BetID.String(),
		AgentID:   c.AgentID.String(),
		Rate:      c.Rate.String(),
		Amount:    c.Amount.String(),
		Paid:      c.Paid,
		CreatedAt: c.CreatedAt,
	}})
}

// RecordSettledMarket implements settlement.Sink.
func (r *Recorder) RecordSettledMarket(m settlement.SettledMarket) {
	r.send(Record{SettledMarket: &SettledMarketRow{
		MatchID:   m.MatchID,
		MarketID:  m.MarketID,
		Winner:    m.Winner,
		BetCount:  m.BetCount,
		SettledAt: m.SettledAt,
	}})
}
