// Package bet owns the bet lifecycle state machine. A bet is immutable
// after creation except for the single transition out of PENDING, performed
// by the settlement engine or an explicit cancellation inside the grace
// window.
package bet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a bet. All states other than PENDING
// are terminal.
type Status int32

const (
	StatusPending Status = iota
	StatusWon
	StatusLost
	StatusVoid
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusWon:
		return "WON"
	case StatusLost:
		return "LOST"
	case StatusVoid:
		return "VOID"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// ParseStatus converts a stored status name back to its Status.
func ParseStatus(s string) (Status, error) {
	for st := StatusPending; st <= StatusCancelled; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return StatusPending, fmt.Errorf("unknown bet status %q", s)
}

// Bet is one accepted wager.
type Bet struct {
	ID      uuid.UUID
	OwnerID uuid.UUID

	MatchID  string
	MarketID string
	BetOn    string // the selection backed or laid
	IsBack   bool   // true = back ("lagai"), false = lay ("khai")

	Odds   decimal.Decimal
	Amount decimal.Decimal

	// PotentialWin is the profit if the bet wins; Liability is this bet's
	// exposure contribution while pending.
	PotentialWin decimal.Decimal
	Liability    decimal.Decimal

	Status    Status
	ActualWin decimal.Decimal // set only on settlement

	CreatedAt time.Time
	SettledAt time.Time
}

// transition moves the bet out of PENDING. Any other transition is a
// programming error surfaced to the caller.
func (b *Bet) transition(to Status, at time.Time) error {
	if b.Status.Terminal() {
		return fmt.Errorf("bet %s is %s, cannot transition to %s", b.ID, b.Status, to)
	}
	if !to.Terminal() {
		return fmt.Errorf("bet %s: invalid transition target %s", b.ID, to)
	}
	b.Status = to
	b.SettledAt = at
	return nil
}

// marketKey indexes pending bets by match and market.
func marketKey(matchID, marketID string) string {
	return matchID + "/" + marketID
}
