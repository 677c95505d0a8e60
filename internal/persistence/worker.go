package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/compose"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/observability"
)

// AuditWorker drains finalized batches from a channel and flushes them to
// Postgres in groups. The enqueue side never blocks the finalize request
// path: a full queue drops the audit write with a metric instead.
type AuditWorker struct {
	writer       *AuditWriter
	queue        chan *compose.InstructionBatch
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewAuditWorker(db *sql.DB, batchSize int, flushTimeout time.Duration, log zerolog.Logger, metrics *observability.Metrics) *AuditWorker {
	if batchSize <= 0 {
		batchSize = 64
	}
	if flushTimeout <= 0 {
		flushTimeout = time.Second
	}
	return &AuditWorker{
		writer:       NewAuditWriter(db),
		queue:        make(chan *compose.InstructionBatch, batchSize*4),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          log.With().Str("component", "audit").Logger(),
		metrics:      metrics,
	}
}

// Accept enqueues a finalized batch for persistence.
func (aw *AuditWorker) Accept(ctx context.Context, batch *compose.InstructionBatch) error {
	select {
	case aw.queue <- batch:
		return nil
	default:
		if aw.metrics != nil {
			aw.metrics.AuditErrors.WithLabelValues("queue_full").Inc()
		}
		aw.log.Error().Str("batch_id", batch.BatchID.String()).Msg("audit queue full, batch dropped")
		return nil
	}
}

// Run batches incoming writes and flushes when the group is full or the
// flush timeout expires. Blocks until ctx is cancelled.
func (aw *AuditWorker) Run(ctx context.Context) error {
	pending := make([]*compose.InstructionBatch, 0, aw.batchSize)

	timer := time.NewTimer(aw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				// Shutdown flush runs on a fresh context: the batch is
				// already acknowledged to the user.
				aw.flush(context.Background(), pending)
			}
			return ctx.Err()

		case batch := <-aw.queue:
			pending = append(pending, batch)
			if len(pending) >= aw.batchSize {
				aw.flush(ctx, pending)
				pending = pending[:0]
				timer.Reset(aw.flushTimeout)
			}

		case <-timer.C:
			if len(pending) > 0 {
				aw.flush(ctx, pending)
				pending = pending[:0]
			}
			timer.Reset(aw.flushTimeout)
		}
	}
}

func (aw *AuditWorker) flush(ctx context.Context, batches []*compose.InstructionBatch) {
	batchRows, legRows := auditRows(batches)

	err := aw.withTx(ctx, func(tx *sql.Tx) error {
		if err := aw.writer.writeBatches(ctx, tx, batchRows); err != nil {
			return err
		}
		return aw.writer.writeLegs(ctx, tx, legRows)
	})
	if err != nil {
		if aw.metrics != nil {
			aw.metrics.AuditErrors.WithLabelValues("write").Inc()
		}
		aw.log.Error().Err(err).Int("batches", len(batches)).Msg("audit flush failed")
		return
	}

	if aw.metrics != nil {
		aw.metrics.AuditWrites.Add(float64(len(batches)))
		aw.metrics.AuditBatchSize.Observe(float64(len(batches)))
	}
}

func (aw *AuditWorker) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := aw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// auditRows flattens instruction batches into insertable rows.
func auditRows(batches []*compose.InstructionBatch) ([]BatchRow, []LegRow) {
	batchRows := make([]BatchRow, 0, len(batches))
	var legRows []LegRow

	for _, b := range batches {
		batchRows = append(batchRows, BatchRow{
			BatchID:   b.BatchID.String(),
			SessionID: b.SessionID.String(),
			CreatedAt: b.CreatedAt,
			LegCount:  len(b.Legs),
		})

		for i, leg := range b.Legs {
			row := LegRow{
				BatchID:    b.BatchID.String(),
				LegIndex:   i,
				FromDID:    leg.From.DID,
				FromNumber: leg.From.Number,
				ToDID:      leg.To.DID,
				ToNumber:   leg.To.Number,
				AssetID:    leg.AssetID,
				Amount:     leg.Amount.String(),
				Memo:       leg.Memo,
			}
			for _, id := range leg.TokenIDs {
				row.TokenIDs = append(row.TokenIDs, id.String())
			}
			legRows = append(legRows, row)
		}
	}
	return batchRows, legRows
}
