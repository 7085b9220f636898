package ingestion

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventPublisher is the part of jetstream.JetStream the publisher needs.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed envelopes for downstream consumers
// on <prefix>.<EventType>, e.g. perp.engine.events.PositionOpened. The
// sequence is the JetStream message id, so a republished envelope is
// deduplicated by the stream.
type OutboundPublisher struct {
	js        EventPublisher
	inputChan <-chan core.CoreOutput
	prefix    string
	timeout   time.Duration
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewOutboundPublisher(js EventPublisher, inputChan <-chan core.CoreOutput, prefix string, metrics *observability.Metrics, log zerolog.Logger) *OutboundPublisher {
	if prefix == "" {
		prefix = DefaultEventsSubject
	}
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		prefix:    prefix,
		timeout:   5 * time.Second,
		metrics:   metrics,
		log:       log,
	}
}

// Run publishes until ctx is cancelled or the input closes. Publish
// failures are logged and counted; the event log stays authoritative.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, out); err != nil {
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
				op.log.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// Subject returns the subject an envelope of eventType is published on.
func (op *OutboundPublisher) Subject(eventType string) string {
	return op.prefix + "." + eventType
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	env := out.Envelope
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, op.timeout)
	defer cancel()

	_, err = op.js.Publish(ctx, op.Subject(env.EventType.String()), data,
		jetstream.WithMsgID(strconv.FormatInt(env.Sequence, 10)))
	return err
}
