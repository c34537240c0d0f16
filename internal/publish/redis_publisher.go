// Package publish pushes ledger updates to the Redis pub/sub channel the
// client-facing gateways subscribe to. Publishing is strictly best-effort:
// the ledger is consistent before anything is published, and a failed
// publish is counted and dropped, never retried into the domain path.
package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"betledger/internal/account"
	"betledger/internal/observability"
	"betledger/internal/settlement"
)

// RedisPublisher publishes JSON update messages to a single channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewRedisPublisher(rdb *redis.Client, channel string, metrics *observability.Metrics, log zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{
		rdb:     rdb,
		channel: channel,
		metrics: metrics,
		log:     log,
	}
}

type accountUpdateJSON struct {
	Type      string `json:"type"`
	AccountID string `json:"account_id"`
	Balance   string `json:"balance"`
	Exposure  string `json:"exposure"`
	Available string `json:"available"`
}

type settlementUpdateJSON struct {
	Type       string `json:"type"`
	MatchID    string `json:"match_id"`
	MarketID   string `json:"market_id"`
	Winner     string `json:"winner"`
	Won        int    `json:"won"`
	Lost       int    `json:"lost"`
	Voided     int    `json:"voided"`
	Commission string `json:"commission"`
}

// PublishAccount pushes one account's post-mutation figures.
func (p *RedisPublisher) PublishAccount(ctx context.Context, acc *account.Account) error {
	msg := accountUpdateJSON{
		Type:      "account",
		AccountID: acc.ID.String(),
		Balance:   acc.Balance.String(),
		Exposure:  acc.Exposure.String(),
		Available: acc.Available().String(),
	}
	return p.publish(ctx, msg)
}

// PublishSettlement pushes a completed settlement run.
func (p *RedisPublisher) PublishSettlement(ctx context.Context, rep settlement.Report) error {
	msg := settlementUpdateJSON{
		Type:       "settlement",
		MatchID:    rep.MatchID,
		MarketID:   rep.MarketID,
		Winner:     rep.Winner,
		Won:        rep.Won,
		Lost:       rep.Lost,
		Voided:     rep.Voided,
		Commission: rep.CommissionPaid.String(),
	}
	return p.publish(ctx, msg)
}

func (p *RedisPublisher) publish(ctx context.Context, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}

	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}
