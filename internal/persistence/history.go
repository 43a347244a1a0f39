package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"CipherSettle/internal/observability"
)

// BatchRow is one committed settlement batch, recorded for audit.
type BatchRow struct {
	BatchID   uint64
	Pipeline  string
	TxID      string
	OldRoot   string
	NewRoot   string
	Records   int
	Dropped   int
	Fees      int64
	SettledAt time.Time
}

// HistoryWriter drains committed-batch rows from a channel and batch-writes
// them to Postgres. It runs off the settlement path: the orchestrator never
// blocks on the database. Sends use a buffered channel; if the writer falls
// behind the channel fills and the producer drops the row with a warning —
// history is an audit convenience, not settlement-critical state.
type HistoryWriter struct {
	db        *sql.DB
	input     <-chan BatchRow
	batchSize int
	flushWait time.Duration
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewHistoryWriter(db *sql.DB, input <-chan BatchRow, batchSize int, flushWait time.Duration, log zerolog.Logger, metrics *observability.Metrics) *HistoryWriter {
	if batchSize <= 0 {
		batchSize = 32
	}
	if flushWait <= 0 {
		flushWait = 500 * time.Millisecond
	}
	return &HistoryWriter{
		db:        db,
		input:     input,
		batchSize: batchSize,
		flushWait: flushWait,
		log:       log,
		metrics:   metrics,
	}
}

// Run drains the channel until it closes or the context is cancelled,
// flushing when the batch fills or the flush timer fires. The final flush on
// shutdown uses a background context so queued rows are not lost.
func (w *HistoryWriter) Run(ctx context.Context) error {
	pending := make([]BatchRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushWait)
	defer timer.Stop()

	flush := func(flushCtx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := w.write(flushCtx, pending); err != nil {
			w.log.Error().Err(err).Int("rows", len(pending)).Msg("batch history flush failed, rows dropped")
			if w.metrics != nil {
				w.metrics.HistoryErrors.WithLabelValues("flush").Inc()
			}
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case row, ok := <-w.input:
			if !ok {
				flush(context.Background())
				return nil
			}
			pending = append(pending, row)
			if len(pending) >= w.batchSize {
				flush(ctx)
				timer.Reset(w.flushWait)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(w.flushWait)
		}
	}
}

func (w *HistoryWriter) write(ctx context.Context, rows []BatchRow) error {
	start := time.Now()

	values := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*9)
	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args, int64(r.BatchID), r.Pipeline, r.TxID, r.OldRoot, r.NewRoot,
			r.Records, r.Dropped, r.Fees, r.SettledAt)
	}

	query := `INSERT INTO settle.batch_history
		(batch_id, pipeline, tx_id, old_root, new_root, records, dropped, fees, settled_at)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (batch_id, pipeline) DO NOTHING`

	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert batch history: %w", err)
	}

	if w.metrics != nil {
		w.metrics.HistoryWritten.Add(float64(len(rows)))
		w.metrics.HistoryFlushDur.Observe(time.Since(start).Seconds())
	}
	return nil
}
