// Package market adapts the Redis odds cache maintained by the upstream
// odds feed into the live-state lookups bet validation needs. The ledger
// never writes odds; it only reads what the feed publishes.
package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"betledger/internal/risk"
)

const (
	stateOpen      = "open"
	stateSuspended = "suspended"
	stateLocked    = "locked"

	lookupTimeout = 500 * time.Millisecond
)

// RedisSource reads live odds and market state from Redis.
//
// Keys follow the feed's layout:
//
//	odds:{match}:{market}:{selection}  -> decimal odds string
//	market:{match}:{market}:state      -> open | suspended | locked
type RedisSource struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisSource(rdb *redis.Client, log zerolog.Logger) *RedisSource {
	return &RedisSource{rdb: rdb, log: log}
}

func oddsKey(matchID, marketID, selection string) string {
	return fmt.Sprintf("odds:%s:%s:%s", matchID, marketID, selection)
}

func stateKey(matchID, marketID string) string {
	return fmt.Sprintf("market:%s:%s:state", matchID, marketID)
}

// State resolves the live state of one selection. A missing odds key means
// the feed does not know the selection. A missing state key defaults to
// open: the feed only writes the key while a market is restricted.
func (s *RedisSource) State(ctx context.Context, matchID, marketID, selection string) (risk.MarketState, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	raw, err := s.rdb.Get(ctx, oddsKey(matchID, marketID, selection)).Result()
	if errors.Is(err, redis.Nil) {
		return risk.MarketState{}, fmt.Errorf("%w: %s/%s/%s",
			risk.ErrSelectionUnknown, matchID, marketID, selection)
	}
	if err != nil {
		return risk.MarketState{}, fmt.Errorf("odds lookup: %w", err)
	}

	odds, err := decimal.NewFromString(raw)
	if err != nil {
		return risk.MarketState{}, fmt.Errorf("malformed odds %q for %s: %w",
			raw, oddsKey(matchID, marketID, selection), err)
	}

	state := risk.MarketState{Odds: odds}

	mst, err := s.rdb.Get(ctx, stateKey(matchID, marketID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// open
	case err != nil:
		return risk.MarketState{}, fmt.Errorf("market state lookup: %w", err)
	case mst == stateSuspended:
		state.Suspended = true
	case mst == stateLocked:
		state.Locked = true
	case mst != stateOpen:
		s.log.Warn().
			Str("key", stateKey(matchID, marketID)).
			Str("value", mst).
			Msg("unknown market state, treating as suspended")
		state.Suspended = true
	}

	return state, nil
}

// SetState writes a market state key. Used by operational tooling and
// tests; the production writer is the odds feed.
func (s *RedisSource) SetState(ctx context.Context, matchID, marketID, state string) error {
	return s.rdb.Set(ctx, stateKey(matchID, marketID), state, 0).Err()
}

// SetOdds writes a selection's odds. Used by operational tooling and tests.
func (s *RedisSource) SetOdds(ctx context.Context, matchID, marketID, selection string, odds decimal.Decimal) error {
	return s.rdb.Set(ctx, oddsKey(matchID, marketID, selection), odds.String(), 0).Err()
}
