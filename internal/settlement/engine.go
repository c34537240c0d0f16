// Package settlement turns market results into terminal bet states and the
// corresponding ledger movements. Settlement is driven by result events and
// must be idempotent: the same market result may be redelivered by the
// broker at any time.
package settlement

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"betledger/internal/account"
	"betledger/internal/bet"
	"betledger/internal/commission"
	"betledger/internal/ledger"
	"betledger/internal/money"
	"betledger/internal/observability"
)

// Void outcomes. A market resolved with one of these refunds every pending
// bet instead of picking winners.
const (
	OutcomeAbandoned = "abandoned"
	OutcomeTied      = "tied"
	OutcomeNoResult  = "no_result"
)

// Outcome is one market result as delivered by the results feed.
type Outcome struct {
	MatchID    string
	MarketID   string
	Winner     string // winning selection, or a void outcome constant
	Sequence   int64
	ResolvedAt time.Time
}

// Voided reports whether this result voids the market rather than
// resolving it.
func (o Outcome) Voided() bool {
	switch o.Winner {
	case OutcomeAbandoned, OutcomeTied, OutcomeNoResult:
		return true
	}
	return false
}

// SettledMarket is the durable dedup record for one processed result.
type SettledMarket struct {
	MatchID   string
	MarketID  string
	Winner    string
	BetCount  int
	SettledAt time.Time
}

// Sink receives settled-market records for durable storage.
type Sink interface {
	RecordSettledMarket(m SettledMarket)
}

// Failure is one bet whose settlement could not be committed. The bet
// stays PENDING and is retried on the next delivery of the same result.
type Failure struct {
	BetID uuid.UUID
	Err   error
}

// Report summarizes one settlement run.
type Report struct {
	MatchID   string
	MarketID  string
	Winner    string
	Duplicate bool

	Won    int
	Lost   int
	Voided int

	CommissionPaid decimal.Decimal
	Failures       []Failure
}

// Engine settles markets. One settlement runs at a time; per-bet work
// takes the owner's account lock so it cannot race placements or
// cancellations on the same account.
type Engine struct {
	mu sync.Mutex

	bets        *bet.Ledger
	accounts    *account.Store
	txs         *ledger.Ledger
	cascade     *commission.Cascade
	dedup       *Dedup
	lockTimeout time.Duration

	sink    Sink
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewEngine(
	bets *bet.Ledger,
	accounts *account.Store,
	txs *ledger.Ledger,
	cascade *commission.Cascade,
	dedup *Dedup,
	lockTimeout time.Duration,
	sink Sink,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		bets:        bets,
		accounts:    accounts,
		txs:         txs,
		cascade:     cascade,
		dedup:       dedup,
		lockTimeout: lockTimeout,
		sink:        sink,
		metrics:     metrics,
		log:         log,
	}
}

// SettleMarket processes one market result. Already-settled markets return
// a duplicate report without touching any bet. A bet whose ledger write
// fails is left PENDING and reported as a failure; the market is only
// marked settled once every bet reached a terminal state, so redelivery
// picks up exactly the leftovers.
func (e *Engine) SettleMarket(o Outcome) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	rep := Report{
		MatchID:        o.MatchID,
		MarketID:       o.MarketID,
		Winner:         o.Winner,
		CommissionPaid: money.Zero,
	}

	if e.dedup.IsSettled(o.MatchID, o.MarketID) {
		rep.Duplicate = true
		if e.metrics != nil {
			e.metrics.DuplicateResults.Inc()
		}
		e.log.Info().
			Str("match_id", o.MatchID).
			Str("market_id", o.MarketID).
			Msg("duplicate market result ignored")
		return rep, nil
	}

	pending := e.bets.PendingByMarket(o.MatchID, o.MarketID)
	settledAt := time.Now().UTC()

	for _, b := range pending {
		if err := e.settleOne(b, o, settledAt, &rep); err != nil {
			rep.Failures = append(rep.Failures, Failure{BetID: b.ID, Err: err})
			if e.metrics != nil {
				e.metrics.SettlementFailures.Inc()
			}
			e.log.Error().
				Str("bet_id", b.ID.String()).
				Err(err).
				Msg("bet settlement failed, left pending for retry")
		}
	}

	if len(rep.Failures) == 0 {
		e.dedup.MarkSettled(o.MatchID, o.MarketID)
		if e.sink != nil {
			e.sink.RecordSettledMarket(SettledMarket{
				MatchID:   o.MatchID,
				MarketID:  o.MarketID,
				Winner:    o.Winner,
				BetCount:  len(pending),
				SettledAt: settledAt,
			})
		}
	}

	if e.metrics != nil {
		e.metrics.MarketsSettled.Inc()
		e.metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	}

	e.log.Info().
		Str("match_id", o.MatchID).
		Str("market_id", o.MarketID).
		Str("winner", o.Winner).
		Int("won", rep.Won).
		Int("lost", rep.Lost).
		Int("voided", rep.Voided).
		Int("failed", len(rep.Failures)).
		Str("commission", rep.CommissionPaid.String()).
		Msg("market settled")

	return rep, nil
}

// settleOne resolves a single bet under its owner's account lock. The
// ledger row is written first; only when it lands do the exposure release
// and status transition follow, so a write failure leaves the bet fully
// pending.
func (e *Engine) settleOne(b *bet.Bet, o Outcome, at time.Time, rep *Report) error {
	acc, err := e.accounts.Get(b.OwnerID)
	if err != nil {
		return err
	}
	if err := acc.Lock(e.lockTimeout); err != nil {
		return err
	}

	// The pending snapshot was taken without the owner's lock, so a cancel
	// may have landed since. Re-read the status now that the lock is held;
	// anything no longer pending is skipped before a single row is written.
	cur, err := e.bets.Get(b.ID)
	if err != nil {
		acc.Unlock()
		return err
	}
	if cur.Status != bet.StatusPending {
		acc.Unlock()
		e.log.Info().
			Str("bet_id", b.ID.String()).
			Str("status", cur.Status.String()).
			Msg("bet left pending snapshot before settlement, skipped")
		return nil
	}

	var status bet.Status
	var actualWin decimal.Decimal

	switch {
	case o.Voided():
		status = bet.StatusVoid
		actualWin = money.Zero
		desc := fmt.Sprintf("bet %s voided: market %s", b.ID, o.Winner)
		if _, err := e.txs.Append(acc, ledger.TxBetRefund, b.Amount, desc); err != nil {
			acc.Unlock()
			return err
		}

	case (b.BetOn == o.Winner) == b.IsBack:
		// Backed the winner, or laid a loser.
		status = bet.StatusWon
		if b.IsBack {
			actualWin = money.Round(b.Amount.Mul(b.Odds))
		} else {
			actualWin = b.Amount
		}
		desc := fmt.Sprintf("bet %s won on %s @ %s", b.ID, b.BetOn, b.Odds)
		if _, err := e.txs.Append(acc, ledger.TxBetWon, actualWin, desc); err != nil {
			acc.Unlock()
			return err
		}

	default:
		status = bet.StatusLost
		actualWin = money.Zero
		desc := fmt.Sprintf("bet %s lost on %s @ %s", b.ID, b.BetOn, b.Odds)
		if _, err := e.txs.Append(acc, ledger.TxBetLost, b.Liability, desc); err != nil {
			acc.Unlock()
			return err
		}
	}

	acc.Exposure = acc.Exposure.Sub(b.Liability)
	if err := e.bets.Apply(b, status, actualWin, at); err != nil {
		acc.Unlock()
		return err
	}
	acc.Unlock()

	switch status {
	case bet.StatusWon:
		rep.Won++
	case bet.StatusLost:
		rep.Lost++
	case bet.StatusVoid:
		rep.Voided++
	}
	if e.metrics != nil {
		e.metrics.BetsSettled.WithLabelValues(status.String()).Inc()
	}

	// No commission on voided bets. The cascade runs after the owner lock
	// is released: agent locks are always taken above the player in the
	// hierarchy, and the bet is already terminal.
	if status == bet.StatusWon || status == bet.StatusLost {
		recs, err := e.cascade.Distribute(b, b.Amount)
		for _, r := range recs {
			rep.CommissionPaid = rep.CommissionPaid.Add(r.Amount)
			if e.metrics != nil {
				e.metrics.CommissionPaid.Add(r.Amount.InexactFloat64())
			}
		}
		if err != nil {
			// Commission trouble never unsettles the bet; the deferred
			// steps queue carries the rest.
			e.log.Error().
				Str("bet_id", b.ID.String()).
				Err(err).
				Msg("commission cascade incomplete")
		}
	}

	return nil
}
