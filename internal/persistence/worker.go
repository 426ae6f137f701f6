package persistence

import (
	"context"
	"fmt"
	"time"

	"LevTrade/internal/observability"
	"LevTrade/internal/position"

	"github.com/rs/zerolog"
)

// Record mirrors engine.Output to keep this package independent of the
// engine; the orchestrator in cmd bridges between the two.
type Record struct {
	Event    EventRow
	Position *position.Position
}

// Worker drains the persist channel and batch-writes to Postgres. The
// engine sends on that channel blocking, so if this worker falls behind
// the engine stalls rather than lose an applied lifecycle step.
type Worker struct {
	store        *Store
	inputChan    <-chan Record
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewWorker(
	store *Store,
	inputChan <-chan Record,
	batchSize int,
	flushTimeout time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		store:        store,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          log.With().Str("component", "persistence").Logger(),
		metrics:      metrics,
	}
}

// Run batches incoming records and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled or the
// channel closes; remaining records are flushed on the way out.
func (w *Worker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, w.batchSize)
	positions := make([]*position.Position, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flushAll := func(flushCtx context.Context) {
		if len(events) == 0 && len(positions) == 0 {
			return
		}
		if err := w.flushWithRetry(flushCtx, events, positions); err != nil {
			w.log.Error().Err(err).Msg("flush failed after retries")
		}
		events = events[:0]
		positions = positions[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flushAll(context.Background())
			return ctx.Err()

		case rec, ok := <-w.inputChan:
			if !ok {
				flushAll(context.Background())
				return nil
			}
			events = append(events, rec.Event)
			if rec.Position != nil {
				positions = append(positions, rec.Position)
			}
			if len(events) >= w.batchSize {
				flushAll(ctx)
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			flushAll(ctx)
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops
// a batch: it keeps retrying until the write succeeds, attempting one
// final flush when the context is cancelled mid-retry.
func (w *Worker) flushWithRetry(ctx context.Context, events []EventRow, positions []*position.Position) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), events, positions); err != nil {
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

		if err := w.flush(ctx, events, positions); err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
	}
}

// flush writes one batch of events and position rows in a single
// transaction.
func (w *Worker) flush(ctx context.Context, events []EventRow, positions []*position.Position) error {
	start := time.Now()

	tx, err := w.store.db.BeginTx(ctx, nil)
	if err != nil {
		w.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.store.WriteEventBatch(ctx, tx, events); err != nil {
		w.countError("write_events")
		return err
	}
	if err := w.store.UpsertPositionBatch(ctx, tx, positions); err != nil {
		w.countError("write_positions")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.countError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(events)))
		w.metrics.PersistRecordsWritten.Add(float64(len(events) + len(positions)))
	}
	return nil
}

func (w *Worker) countError(kind string) {
	if w.metrics != nil {
		w.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
