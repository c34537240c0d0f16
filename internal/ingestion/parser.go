// Package ingestion is the inbound boundary for market results: NATS
// JetStream consumers, wire-format parsing, and the runner that drives
// the settlement engine from the feed.
package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"betledger/internal/settlement"
)

// marketSettledJSON is the wire format published by the results feed.
// Field names use snake_case to match the upstream producer.
type marketSettledJSON struct {
	MatchID      string `json:"match_id"`
	MarketID     string `json:"market_id"`
	Winner       string `json:"winner"`
	Sequence     int64  `json:"sequence"`
	ResolvedAtUs int64  `json:"resolved_at_us"`
}

// ParseMarketSettled converts a raw result message into a settlement
// outcome. Identity fields are mandatory; a message without them cannot
// be settled and must be rejected, not retried.
func ParseMarketSettled(data []byte) (settlement.Outcome, error) {
	var j marketSettledJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return settlement.Outcome{}, fmt.Errorf("parse MarketSettled: %w", err)
	}

	if j.MatchID == "" {
		return settlement.Outcome{}, fmt.Errorf("parse MarketSettled: missing match_id")
	}
	if j.MarketID == "" {
		return settlement.Outcome{}, fmt.Errorf("parse MarketSettled: missing market_id")
	}
	if j.Winner == "" {
		return settlement.Outcome{}, fmt.Errorf("parse MarketSettled: missing winner")
	}

	return settlement.Outcome{
		MatchID:    j.MatchID,
		MarketID:   j.MarketID,
		Winner:     j.Winner,
		Sequence:   j.Sequence,
		ResolvedAt: time.UnixMicro(j.ResolvedAtUs),
	}, nil
}
