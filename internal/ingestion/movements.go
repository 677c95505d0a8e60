// Package ingestion connects the composition service to NATS JetStream:
// inbound portfolio movement events and outbound finalized batches.
package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/chain"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/observability"
)

const (
	MovementStream   = "PORTAL_MOVEMENTS"
	MovementSubjects = "portal.portfolio.movements.>"
	movementConsumer = "composer-movements"
)

// MovementEvent is a chain-side portfolio movement observed by the portal
// indexer. Any movement touching an identity invalidates the portfolio
// data resolved for that identity in live sessions.
type MovementEvent struct {
	DID        string    `json:"did"`
	AssetID    string    `json:"asset_id,omitempty"`
	Portfolio  *int64    `json:"portfolio,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SessionInvalidator is the slice of the session registry the subscriber
// needs: mark resolved sides stale and refetch them.
type SessionInvalidator interface {
	InvalidatePortfolios(did string) int
	RefreshStale(ctx context.Context)
}

// MovementSubscriber consumes movement events and fans the resulting
// staleness into live composition sessions.
type MovementSubscriber struct {
	js       jetstream.JetStream
	registry SessionInvalidator
	log      zerolog.Logger
	metrics  *observability.Metrics
	consumer jetstream.ConsumeContext
}

func NewMovementSubscriber(js jetstream.JetStream, registry SessionInvalidator, log zerolog.Logger, metrics *observability.Metrics) *MovementSubscriber {
	return &MovementSubscriber{
		js:       js,
		registry: registry,
		log:      log.With().Str("component", "movements").Logger(),
		metrics:  metrics,
	}
}

// Subscribe creates the durable consumer and starts handling movements.
// Messages are acked once the staleness is recorded; the refetch itself
// runs after the ack and may be retried by a later movement.
func (ms *MovementSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ms.js.CreateOrUpdateConsumer(ctx, MovementStream, jetstream.ConsumerConfig{
		Durable:       movementConsumer,
		FilterSubject: MovementSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", movementConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ms.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", movementConsumer, err)
	}
	ms.consumer = cc

	ms.log.Info().Str("subject", MovementSubjects).Msg("subscribed to portfolio movements")
	return nil
}

func (ms *MovementSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	var evt MovementEvent
	if err := json.Unmarshal(msg.Data(), &evt); err != nil {
		ms.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("malformed movement event")
		msg.Ack() // malformed payloads never become valid on redelivery
		return
	}
	if !chain.IsValidDID(evt.DID) {
		ms.log.Warn().Str("did", evt.DID).Msg("movement event with invalid DID")
		msg.Ack()
		return
	}

	marked := ms.registry.InvalidatePortfolios(evt.DID)
	if ms.metrics != nil {
		if marked > 0 {
			ms.metrics.MovementsApplied.Inc()
		} else {
			ms.metrics.MovementsIgnored.Inc()
		}
	}
	msg.Ack()

	if marked > 0 {
		ms.log.Debug().Str("did", evt.DID).Int("sides", marked).Msg("portfolio data invalidated")
		ms.registry.RefreshStale(ctx)
	}
}

// Stop drains the consumer.
func (ms *MovementSubscriber) Stop() {
	if ms.consumer != nil {
		ms.consumer.Stop()
	}
	ms.log.Info().Msg("movement subscriber stopped")
}

// EnsureStreams creates the JetStream streams this service depends on.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      MovementStream,
			Subjects:  []string{MovementSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      BatchStream,
			Subjects:  []string{BatchSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
