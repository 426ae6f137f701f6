package ingestion

import (
	"context"
	"fmt"
	"time"

	"LevTrade/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// PriceSubscriber consumes venue price ticks from JetStream and forwards
// them to the liquidation keeper. Malformed ticks are terminated rather
// than redelivered: a tick that failed to parse once will fail forever.
type PriceSubscriber struct {
	js       jetstream.JetStream
	out      chan<- event.PriceUpdated
	consumer jetstream.ConsumeContext
	log      zerolog.Logger
}

func NewPriceSubscriber(js jetstream.JetStream, out chan<- event.PriceUpdated, log zerolog.Logger) *PriceSubscriber {
	return &PriceSubscriber{
		js:  js,
		out: out,
		log: log.With().Str("component", "price_subscriber").Logger(),
	}
}

// Subscribe creates the durable consumer and starts delivery. Consumers
// use explicit ACK with a bounded redelivery budget.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, pricesStream, jetstream.ConsumerConfig{
		Durable:       "levtrade-prices",
		FilterSubject: pricesSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create price consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		tick, err := ParsePriceUpdate(msg.Data())
		if err != nil {
			ps.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed price tick")
			msg.Term()
			return
		}

		select {
		case ps.out <- tick:
			msg.Ack()
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume prices: %w", err)
	}

	ps.consumer = cc
	ps.log.Info().Str("subject", pricesSubjects).Msg("subscribed to price ticks")
	return nil
}

// Stop halts delivery. The out channel is left to the caller to close.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
	ps.log.Info().Msg("price subscriber stopped")
}
