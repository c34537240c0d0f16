// Package commission walks the agent hierarchy above a settled bet's owner
// and posts per-tier commission, independently computed at each level —
// rates never compound. The cascade runs strictly after the bet's own
// settlement is recorded, so it can be replayed for any bet whose records
// are missing without touching the player account.
package commission

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"betledger/internal/account"
	"betledger/internal/bet"
	"betledger/internal/ledger"
	"betledger/internal/money"
)

var (
	// ErrMissingHierarchyNode marks a broken parent reference or an agent
	// the account store does not know. The affected step is deferred for
	// manual reconciliation; the bet's settlement stands.
	ErrMissingHierarchyNode = errors.New("missing hierarchy node")

	// ErrHierarchyCycle guards against data-entry errors looping the tree.
	ErrHierarchyCycle = errors.New("cycle detected in agent hierarchy")
)

// Directory resolves the upline of an account.
type Directory interface {
	ParentOf(id uuid.UUID) (uuid.UUID, bool)
}

// Record is one commission posting for a (bet, agent) pair. Immutable
// after creation except for the paid flag.
type Record struct {
	ID        uuid.UUID       `json:"id"`
	BetID     uuid.UUID       `json:"bet_id"`
	AgentID   uuid.UUID       `json:"agent_id"`
	Rate      decimal.Decimal `json:"rate"` // percentage snapshotted at settlement
	Amount    decimal.Decimal `json:"amount"`
	Paid      bool            `json:"paid"`
	CreatedAt time.Time       `json:"created_at"`
}

// Deferred is a cascade step that could not be completed and awaits
// manual reconciliation.
type Deferred struct {
	BetID   uuid.UUID
	AgentID uuid.UUID
	Err     error
}

// Sink receives created records for durable storage. The backing table
// carries UNIQUE(bet_id, agent_id), which keeps replays idempotent across
// restarts.
type Sink interface {
	RecordCommission(r Record)
}

// Cascade distributes commission up the agent tree.
type Cascade struct {
	mu      sync.Mutex
	posted  map[string]Record // betID:agentID -> record, replay guard
	pending []Deferred

	directory   Directory
	accounts    *account.Store
	txs         *ledger.Ledger
	maxDepth    int
	lockTimeout time.Duration

	sink Sink
	log  zerolog.Logger
}

func NewCascade(
	directory Directory,
	accounts *account.Store,
	txs *ledger.Ledger,
	maxDepth int,
	lockTimeout time.Duration,
	sink Sink,
	log zerolog.Logger,
) *Cascade {
	return &Cascade{
		posted:      make(map[string]Record),
		directory:   directory,
		accounts:    accounts,
		txs:         txs,
		maxDepth:    maxDepth,
		lockTimeout: lockTimeout,
		sink:        sink,
		log:         log,
	}
}

func pairKey(betID, agentID uuid.UUID) string {
	return betID.String() + ":" + agentID.String()
}

// Distribute posts one commission per ancestor of the bet owner, from the
// direct agent up to the root or the configured maximum depth. Re-running
// for the same bet is a no-op per already-posted pair. Basis is the stake.
func (c *Cascade) Distribute(b *bet.Bet, basis decimal.Decimal) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var created []Record
	visited := map[uuid.UUID]bool{b.OwnerID: true}

	node, ok := c.directory.ParentOf(b.OwnerID)
	if !ok {
		return nil, fmt.Errorf("%w: owner %s has no directory entry", ErrMissingHierarchyNode, b.OwnerID)
	}

	for depth := 0; node != uuid.Nil; depth++ {
		if depth >= c.maxDepth {
			c.log.Warn().
				Str("bet_id", b.ID.String()).
				Int("depth", depth).
				Msg("cascade stopped at maximum hierarchy depth")
			break
		}
		if visited[node] {
			return created, fmt.Errorf("%w: at agent %s", ErrHierarchyCycle, node)
		}
		visited[node] = true

		parent, known := c.directory.ParentOf(node)

		if _, done := c.posted[pairKey(b.ID, node)]; !done {
			rec, err := c.credit(b, node, basis)
			if err != nil {
				c.defer_(b.ID, node, err)
			} else {
				c.posted[pairKey(b.ID, node)] = rec
				created = append(created, rec)
			}
		}

		if !known {
			// Broken parent reference: an error, not a silent stop.
			err := fmt.Errorf("%w: agent %s has no directory entry", ErrMissingHierarchyNode, node)
			c.defer_(b.ID, node, err)
			return created, err
		}
		node = parent
	}

	return created, nil
}

// credit posts one commission to a single agent account.
func (c *Cascade) credit(b *bet.Bet, agentID uuid.UUID, basis decimal.Decimal) (Record, error) {
	acc, err := c.accounts.Get(agentID)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrMissingHierarchyNode, agentID)
	}

	amount := money.Percent(basis, acc.CommissionRate)
	rec := Record{
		ID:        uuid.New(),
		BetID:     b.ID,
		AgentID:   agentID,
		Rate:      acc.CommissionRate,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}
	if !amount.IsPositive() {
		// Zero-rate tiers still get a record for the audit trail, but no
		// ledger row: ledger amounts are strictly positive.
		if c.sink != nil {
			c.sink.RecordCommission(rec)
		}
		return rec, nil
	}

	if err := acc.Lock(c.lockTimeout); err != nil {
		return Record{}, err
	}
	defer acc.Unlock()

	desc := fmt.Sprintf("commission %s%% on bet %s", acc.CommissionRate, b.ID)
	if _, err := c.txs.Append(acc, ledger.TxCommissionEarned, amount, desc); err != nil {
		return Record{}, err
	}

	if c.sink != nil {
		c.sink.RecordCommission(rec)
	}

	c.log.Debug().
		Str("bet_id", b.ID.String()).
		Str("agent_id", agentID.String()).
		Str("amount", amount.String()).
		Msg("commission credited")
	return rec, nil
}

// RestorePosted rebuilds the replay guard from a durable commission row at
// startup. A restored (bet, agent) pair is never credited again.
func (c *Cascade) RestorePosted(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posted[pairKey(rec.BetID, rec.AgentID)] = rec
}

func (c *Cascade) defer_(betID, agentID uuid.UUID, err error) {
	c.pending = append(c.pending, Deferred{BetID: betID, AgentID: agentID, Err: err})
	c.log.Error().
		Str("bet_id", betID.String()).
		Str("agent_id", agentID.String()).
		Err(err).
		Msg("commission step deferred for reconciliation")
}

// DeferredSteps returns the cascade steps awaiting manual reconciliation.
func (c *Cascade) DeferredSteps() []Deferred {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Deferred, len(c.pending))
	copy(out, c.pending)
	return out
}

// RecordsFor returns the commission records posted for a bet.
func (c *Cascade) RecordsFor(betID uuid.UUID) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Record
	for _, r := range c.posted {
		if r.BetID == betID {
			out = append(out, r)
		}
	}
	return out
}
