package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/compose"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/observability"
)

const (
	BatchStream   = "PORTAL_COMPOSER_BATCHES"
	BatchSubjects = "portal.composer.batches.>"
)

// BatchPublisher publishes finalized instruction batches for the
// submission service to pick up. Publish failures are dropped with a
// metric, not surfaced to the user: the batch is still recorded by the
// audit sink and can be replayed from there.
type BatchPublisher struct {
	js      jetstream.JetStream
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewBatchPublisher(js jetstream.JetStream, log zerolog.Logger, metrics *observability.Metrics) *BatchPublisher {
	return &BatchPublisher{
		js:      js,
		log:     log.With().Str("component", "publisher").Logger(),
		metrics: metrics,
	}
}

// Accept publishes the batch to portal.composer.batches.{batch_id}.
func (p *BatchPublisher) Accept(ctx context.Context, batch *compose.InstructionBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	subject := fmt.Sprintf("portal.composer.batches.%s", batch.BatchID)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
		p.log.Warn().Err(err).Str("batch_id", batch.BatchID.String()).Msg("batch publish dropped")
		return nil
	}

	p.log.Info().Str("batch_id", batch.BatchID.String()).Int("legs", len(batch.Legs)).Msg("batch published")
	return nil
}
