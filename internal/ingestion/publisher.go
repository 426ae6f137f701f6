package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"LevTrade/internal/event"
	"LevTrade/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher fans lifecycle events out to NATS for downstream consumers.
// Publishing is best effort: the durable record is the Postgres event
// log, so a failed publish is logged and skipped rather than retried.
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan *event.Envelope
	log       zerolog.Logger
	metrics   *observability.Metrics
}

func NewPublisher(
	js jetstream.JetStream,
	inputChan <-chan *event.Envelope,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		log:       log.With().Str("component", "publisher").Logger(),
		metrics:   metrics,
	}
}

// Run drains the publish channel until ctx is cancelled or the channel
// closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, env); err != nil {
				p.log.Warn().Err(err).Int64("sequence", env.Sequence).Msg("outbound publish failed")
				continue
			}
			if p.metrics != nil {
				p.metrics.EventsPublished.WithLabelValues(env.Type.String()).Inc()
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env *event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	_, err = p.js.Publish(ctx, subjectFor(env), data)
	return err
}

// subjectFor builds levtrade.events.{type}.{pair}. Pair IDs contain "/",
// which is not valid in a NATS subject token.
func subjectFor(env *event.Envelope) string {
	subject := fmt.Sprintf("levtrade.events.%s", env.Type.String())
	if env.PairID != "" {
		subject = subject + "." + strings.ReplaceAll(env.PairID, "/", "-")
	}
	return subject
}
