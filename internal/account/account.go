// Package account holds the balance accounts of every wagering party and
// the per-account serialization discipline: all read-then-write access to a
// balance or exposure figure happens under that account's exclusive lock.
package account

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"betledger/internal/money"
)

// Kind is the party tier an account belongs to.
type Kind int32

const (
	KindPlayer Kind = iota
	KindAgent
	KindMaster
	KindSuperMaster
)

func (k Kind) String() string {
	switch k {
	case KindPlayer:
		return "PLAYER"
	case KindAgent:
		return "AGENT"
	case KindMaster:
		return "MASTER"
	case KindSuperMaster:
		return "SUPER_MASTER"
	default:
		return "UNKNOWN"
	}
}

// IsAgent reports whether the kind is any agent tier.
func (k Kind) IsAgent() bool {
	return k == KindAgent || k == KindMaster || k == KindSuperMaster
}

// ParseKind converts a wire-format kind name.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "PLAYER":
		return KindPlayer, nil
	case "AGENT":
		return KindAgent, nil
	case "MASTER":
		return KindMaster, nil
	case "SUPER_MASTER":
		return KindSuperMaster, nil
	default:
		return KindPlayer, fmt.Errorf("unknown account kind %q", s)
	}
}

var (
	ErrNotFound    = errors.New("account not found")
	ErrInactive    = errors.New("account is deactivated")
	ErrLockTimeout = errors.New("account lock not acquired in time")
	ErrExists      = errors.New("account already exists")
)

// Account is the balance state of one player or agent. Balance is owned
// exclusively by this account and mutated only through ledger-backed
// operations while the account lock is held.
type Account struct {
	ID          uuid.UUID
	Kind        Kind
	ParentAgent uuid.UUID // uuid.Nil at the root of the hierarchy

	Balance     decimal.Decimal
	Opening     decimal.Decimal // balance at onboarding, the ledger replay origin
	CreditLimit decimal.Decimal
	Exposure    decimal.Decimal // sum of live liabilities of PENDING bets
	RiskDeposit decimal.Decimal // agents only: balance floor

	// CommissionRate is the per-tier percentage this agent earns on
	// settled bets of its downline. Zero for players.
	CommissionRate decimal.Decimal

	Active  bool
	Flagged bool // set on a detected ledger invariant violation
	Created time.Time

	sem chan struct{}
}

// Available is the headroom left for new liabilities:
// balance + creditLimit - exposure.
func (a *Account) Available() decimal.Decimal {
	return a.Balance.Add(a.CreditLimit).Sub(a.Exposure)
}

// Floor is the balance level the account must not drop below.
// Agents carry a risk deposit floor, players bottom out at zero headroom.
func (a *Account) Floor() decimal.Decimal {
	if a.Kind.IsAgent() {
		return a.RiskDeposit
	}
	return money.Zero
}

// Lock acquires the account's exclusive lock, giving up after timeout or
// when ctx is cancelled. A timeout is retryable: nothing has been mutated.
func (a *Account) Lock(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case a.sem <- struct{}{}:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: account %s", ErrLockTimeout, a.ID)
	}
}

// Unlock releases the lock taken by Lock.
func (a *Account) Unlock() {
	select {
	case <-a.sem:
	default:
		panic("account: unlock of unlocked account")
	}
}

// Sink receives onboarded accounts and status changes for durable
// storage.
type Sink interface {
	RecordAccount(a *Account)
}

// Store is the in-memory registry of accounts. Accounts are never deleted,
// only deactivated.
type Store struct {
	mu       sync.RWMutex
	accounts map[uuid.UUID]*Account
	sink     Sink
}

func NewStore() *Store {
	return &Store{accounts: make(map[uuid.UUID]*Account)}
}

// SetSink installs the durable storage hook. Called once at wiring time,
// before the store serves traffic.
func (s *Store) SetSink(sink Sink) {
	s.sink = sink
}

// CreateParams describes a party being onboarded.
type CreateParams struct {
	ID             uuid.UUID
	Kind           Kind
	ParentAgent    uuid.UUID
	Balance        decimal.Decimal
	CreditLimit    decimal.Decimal
	RiskDeposit    decimal.Decimal
	CommissionRate decimal.Decimal
}

// Create registers a new account. The id may be zero, in which case one is
// generated.
func (s *Store) Create(p CreateParams) (*Account, error) {
	if p.CreditLimit.IsNegative() {
		return nil, fmt.Errorf("credit limit must be non-negative, got %s", p.CreditLimit)
	}

	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}

	a := &Account{
		ID:             id,
		Kind:           p.Kind,
		ParentAgent:    p.ParentAgent,
		Balance:        p.Balance,
		Opening:        p.Balance,
		CreditLimit:    p.CreditLimit,
		Exposure:       money.Zero,
		RiskDeposit:    p.RiskDeposit,
		CommissionRate: p.CommissionRate,
		Active:         true,
		Created:        time.Now().UTC(),
		sem:            make(chan struct{}, 1),
	}
	s.accounts[id] = a

	if s.sink != nil {
		s.sink.RecordAccount(a)
	}
	return a, nil
}

// Restore re-registers an account from durable storage at startup,
// bypassing the sink. The balance and exposure figures are filled in by
// the loader afterwards.
func (s *Store) Restore(a *Account) {
	a.sem = make(chan struct{}, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

// Get returns the account for id, active or not.
func (s *Store) Get(id uuid.UUID) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, nil
}

// Deactivate marks an account inactive. The account and its ledger history
// remain readable.
func (s *Store) Deactivate(id uuid.UUID) error {
	a, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := a.Lock(time.Second); err != nil {
		return err
	}
	defer a.Unlock()
	a.Active = false

	if s.sink != nil {
		s.sink.RecordAccount(a)
	}
	return nil
}

// LockChain acquires locks for the given accounts in the exact order
// passed. Callers pass accounts in hierarchy order (player, then agents
// toward the root) so that opposing operations cannot deadlock. On any
// failure every lock already taken is released before returning.
func LockChain(timeout time.Duration, accs ...*Account) (func(), error) {
	locked := make([]*Account, 0, len(accs))

	release := func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}

	for _, a := range accs {
		if err := a.Lock(timeout); err != nil {
			release()
			return nil, err
		}
		locked = append(locked, a)
	}
	return release, nil
}
