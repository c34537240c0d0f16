package ingestion

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"betledger/internal/observability"
	"betledger/internal/settlement"
)

// ReportPublisher pushes settlement reports to downstream consumers.
type ReportPublisher interface {
	PublishSettlement(ctx context.Context, rep settlement.Report) error
}

// Runner drains the raw event channel, parses each result and drives the
// settlement engine. Messages are ACKed only after the settlement run
// completes without failures; partial runs are NAKed so the broker
// redelivers and the engine picks up the leftover pending bets.
type Runner struct {
	eventChan <-chan RawEvent
	engine    *settlement.Engine
	publisher ReportPublisher
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewRunner(
	eventChan <-chan RawEvent,
	engine *settlement.Engine,
	publisher ReportPublisher,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Runner {
	return &Runner{
		eventChan: eventChan,
		engine:    engine,
		publisher: publisher,
		metrics:   metrics,
		log:       log,
	}
}

// Run blocks until ctx is cancelled or the event channel closes.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-r.eventChan:
			if !ok {
				return nil
			}
			r.handle(ctx, raw)
		}
	}
}

func (r *Runner) handle(ctx context.Context, raw RawEvent) {
	outcome, err := ParseMarketSettled(raw.Data)
	if err != nil {
		// Malformed messages never become parseable; drop with an ACK so
		// the broker stops redelivering.
		r.log.Error().
			Str("subject", raw.Subject).
			Err(err).
			Msg("unparseable result message dropped")
		if r.metrics != nil {
			r.metrics.ResultsRejected.Inc()
		}
		if raw.AckFunc != nil {
			raw.AckFunc()
		}
		return
	}

	rep, err := r.engine.SettleMarket(outcome)
	if err != nil {
		r.log.Error().
			Str("match_id", outcome.MatchID).
			Str("market_id", outcome.MarketID).
			Err(err).
			Msg("settlement run errored, message NAKed")
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
		return
	}

	if len(rep.Failures) > 0 {
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
	} else if raw.AckFunc != nil {
		raw.AckFunc()
	}

	if r.metrics != nil {
		r.metrics.ResultsProcessed.Inc()
		r.metrics.IngestToSettle.Observe(time.Since(raw.Timestamp).Seconds())
	}

	if r.publisher != nil && !rep.Duplicate {
		if err := r.publisher.PublishSettlement(ctx, rep); err != nil {
			// Publishing is best-effort; the ledger is already consistent.
			r.log.Warn().Err(err).Msg("settlement report publish failed")
		}
	}
}
