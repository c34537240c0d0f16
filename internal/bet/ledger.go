package bet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"betledger/internal/account"
	"betledger/internal/config"
	"betledger/internal/ledger"
	"betledger/internal/money"
	"betledger/internal/risk"
)

var (
	ErrNotFound           = errors.New("bet not found")
	ErrNotPending         = errors.New("bet is no longer pending")
	ErrCancelWindowClosed = errors.New("cancellation window has closed")
)

// Sink receives accepted bets and status changes for durable storage.
type Sink interface {
	RecordBet(b Bet)
}

// PlaceParams is a placement request from the API layer.
type PlaceParams struct {
	AccountID uuid.UUID
	MatchID   string
	MarketID  string
	Selection string
	IsBack    bool
	Odds      decimal.Decimal
	Amount    decimal.Decimal
}

// Ledger owns all bets and their lifecycle. Placement re-validates and
// commits under the owner's account lock, so the credit check can never
// race a concurrent placement against the same account.
type Ledger struct {
	mu       sync.RWMutex
	bets     map[uuid.UUID]*Bet
	byMarket map[string][]uuid.UUID

	accounts    *account.Store
	validator   *risk.Validator
	txs         *ledger.Ledger
	rules       *config.Provider
	lockTimeout time.Duration

	sink Sink
	log  zerolog.Logger
}

func NewLedger(
	accounts *account.Store,
	validator *risk.Validator,
	txs *ledger.Ledger,
	rules *config.Provider,
	lockTimeout time.Duration,
	sink Sink,
	log zerolog.Logger,
) *Ledger {
	return &Ledger{
		bets:        make(map[uuid.UUID]*Bet),
		byMarket:    make(map[string][]uuid.UUID),
		accounts:    accounts,
		validator:   validator,
		txs:         txs,
		rules:       rules,
		lockTimeout: lockTimeout,
		sink:        sink,
		log:         log,
	}
}

// PlaceBet validates and, on acceptance, atomically records the PENDING
// bet, raises the owner's exposure and appends the BET_PLACED ledger row.
// The stake is held as exposure, not debited; the balance moves only when
// the bet settles.
func (l *Ledger) PlaceBet(ctx context.Context, p PlaceParams) (Bet, error) {
	acc, err := l.accounts.Get(p.AccountID)
	if err != nil {
		return Bet{}, err
	}

	if err := acc.Lock(l.lockTimeout); err != nil {
		return Bet{}, err
	}
	defer acc.Unlock()

	req := risk.PlaceRequest{
		MatchID:   p.MatchID,
		MarketID:  p.MarketID,
		Selection: p.Selection,
		IsBack:    p.IsBack,
		Odds:      p.Odds,
		Amount:    p.Amount,
	}
	if err := l.validator.Validate(ctx, acc, req); err != nil {
		return Bet{}, err
	}

	liability := risk.Liability(p.Amount, p.Odds, p.IsBack)
	potential := money.Round(p.Amount.Mul(p.Odds.Sub(money.One)))
	if !p.IsBack {
		// A winning lay keeps the stake; the liability is what it risks.
		potential = p.Amount
	}

	b := &Bet{
		ID:           uuid.New(),
		OwnerID:      acc.ID,
		MatchID:      p.MatchID,
		MarketID:     p.MarketID,
		BetOn:        p.Selection,
		IsBack:       p.IsBack,
		Odds:         p.Odds,
		Amount:       p.Amount,
		PotentialWin: potential,
		Liability:    liability,
		Status:       StatusPending,
		ActualWin:    money.Zero,
		CreatedAt:    time.Now().UTC(),
	}

	acc.Exposure = acc.Exposure.Add(liability)

	desc := fmt.Sprintf("bet %s on %s @ %s", b.ID, b.BetOn, b.Odds)
	if _, err := l.txs.Append(acc, ledger.TxBetPlaced, p.Amount, desc); err != nil {
		acc.Exposure = acc.Exposure.Sub(liability)
		return Bet{}, err
	}

	l.mu.Lock()
	l.bets[b.ID] = b
	key := marketKey(p.MatchID, p.MarketID)
	l.byMarket[key] = append(l.byMarket[key], b.ID)
	l.mu.Unlock()

	if l.sink != nil {
		l.sink.RecordBet(*b)
	}

	l.log.Info().
		Str("bet_id", b.ID.String()).
		Str("account_id", acc.ID.String()).
		Str("market", key).
		Str("amount", b.Amount.String()).
		Str("odds", b.Odds.String()).
		Bool("is_back", b.IsBack).
		Msg("bet placed")

	return *b, nil
}

// CancelBet reverses a PENDING bet inside the cancellation grace window.
// Under exposure-hold semantics nothing was debited at placement, so the
// reversal releases the exposure without a balance movement; a
// balance-neutral BET_REFUND row still lands so the audit trail mirrors
// the placement marker.
func (l *Ledger) CancelBet(ctx context.Context, betID uuid.UUID) error {
	l.mu.RLock()
	b, ok := l.bets[betID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, betID)
	}

	acc, err := l.accounts.Get(b.OwnerID)
	if err != nil {
		return err
	}
	if err := acc.Lock(l.lockTimeout); err != nil {
		return err
	}
	defer acc.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if b.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, betID, b.Status)
	}
	grace := l.rules.Current().GraceFor(b.OwnerID)
	if time.Since(b.CreatedAt) > grace {
		return fmt.Errorf("%w: %s elapsed", ErrCancelWindowClosed, grace)
	}

	desc := fmt.Sprintf("bet %s cancelled", b.ID)
	if _, err := l.txs.Append(acc, ledger.TxBetRefund, b.Amount, desc); err != nil {
		return err
	}

	if err := b.transition(StatusCancelled, time.Now().UTC()); err != nil {
		return err
	}
	acc.Exposure = acc.Exposure.Sub(b.Liability)

	if l.sink != nil {
		l.sink.RecordBet(*b)
	}

	l.log.Info().
		Str("bet_id", betID.String()).
		Str("account_id", acc.ID.String()).
		Msg("bet cancelled")
	return nil
}

// Restore rehydrates a bet from durable storage at startup, bypassing
// validation. The caller restores the owner's exposure separately.
func (l *Ledger) Restore(b Bet) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := b
	l.bets[b.ID] = &cp
	key := marketKey(b.MatchID, b.MarketID)
	l.byMarket[key] = append(l.byMarket[key], b.ID)
}

// Get returns a copy of a bet.
func (l *Ledger) Get(betID uuid.UUID) (Bet, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.bets[betID]
	if !ok {
		return Bet{}, fmt.Errorf("%w: %s", ErrNotFound, betID)
	}
	return *b, nil
}

// PendingByMarket returns the pending bets on one market. The settlement
// engine is the only caller that mutates the returned bets, via Apply.
func (l *Ledger) PendingByMarket(matchID, marketID string) []*Bet {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Bet
	for _, id := range l.byMarket[marketKey(matchID, marketID)] {
		if b := l.bets[id]; b != nil && b.Status == StatusPending {
			out = append(out, b)
		}
	}
	return out
}

// Apply moves a bet into a terminal settlement state. Owned by the
// settlement engine; the engine must hold the owner's account lock so the
// status change and the balance mutation land as one unit.
func (l *Ledger) Apply(b *Bet, to Status, actualWin decimal.Decimal, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := b.transition(to, at); err != nil {
		return err
	}
	b.ActualWin = actualWin

	if l.sink != nil {
		l.sink.RecordBet(*b)
	}
	return nil
}
