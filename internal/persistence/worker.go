package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"betledger/internal/observability"
)

// Record is one unit on the persist channel. Exactly one field is set.
type Record struct {
	Transaction   *TransactionRow
	Bet           *BetRow
	Commission    *CommissionRow
	Account       *AccountRow
	SettledMarket *SettledMarketRow
}

// Worker drains the persist channel and batch-writes to Postgres.
// Senders use BLOCKING sends, so if the worker falls behind the domain
// layer stalls rather than losing records.
type Worker struct {
	writer       *RowWriter
	inputChan    <-chan Record
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

type batch struct {
	txs      []TransactionRow
	bets     []BetRow
	comms    []CommissionRow
	accounts []AccountRow
	markets  []SettledMarketRow
}

func (b *batch) add(r Record) {
	switch {
	case r.Transaction != nil:
		b.txs = append(b.txs, *r.Transaction)
	case r.Bet != nil:
		b.bets = append(b.bets, *r.Bet)
	case r.Commission != nil:
		b.comms = append(b.comms, *r.Commission)
	case r.Account != nil:
		b.accounts = append(b.accounts, *r.Account)
	case r.SettledMarket != nil:
		b.markets = append(b.markets, *r.SettledMarket)
	}
}

func (b *batch) size() int {
	return len(b.txs) + len(b.bets) + len(b.comms) + len(b.accounts) + len(b.markets)
}

func (b *batch) reset() {
	b.txs = b.txs[:0]
	b.bets = b.bets[:0]
	b.comms = b.comms[:0]
	b.accounts = b.accounts[:0]
	b.markets = b.markets[:0]
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan Record,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		writer:       NewRowWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// Run starts the worker loop. It batches incoming records and flushes
// either when the batch is full or the flush timeout expires. Blocks
// until ctx is cancelled or the channel closes.
func (w *Worker) Run(ctx context.Context) error {
	var b batch
	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			if b.size() > 0 {
				if err := w.flush(context.Background(), &b); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case rec, ok := <-w.inputChan:
			if !ok {
				if b.size() > 0 {
					if err := w.flush(context.Background(), &b); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			b.add(rec)

			if b.size() >= w.batchSize {
				if err := w.flushWithRetry(ctx, &b); err != nil {
					w.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				b.reset()
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if b.size() > 0 {
				if err := w.flushWithRetry(ctx, &b); err != nil {
					w.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				b.reset()
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops
// records; it retries until the write succeeds or ctx is cancelled, in
// which case one final flush runs on a background context.
func (w *Worker) flushWithRetry(ctx context.Context, b *batch) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("records", b.size()).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), b); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteTransactionBatch(ctx, tx, b.txs); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_transactions").Inc()
		}
		return err
	}
	if err := w.writer.WriteBetBatch(ctx, tx, b.bets); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_bets").Inc()
		}
		return err
	}
	if err := w.writer.WriteCommissionBatch(ctx, tx, b.comms); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_commissions").Inc()
		}
		return err
	}
	if err := w.writer.WriteAccountBatch(ctx, tx, b.accounts); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_accounts").Inc()
		}
		return err
	}
	if err := w.writer.WriteSettledMarketBatch(ctx, tx, b.markets); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_settled_markets").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(b.size()))
		w.metrics.PersistRowsWritten.Add(float64(b.size()))
	}

	return nil
}

// GetWriter returns the underlying writer for schema setup.
func (w *Worker) GetWriter() *RowWriter {
	return w.writer
}
