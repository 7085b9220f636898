package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to JetStream subjects and hands raw messages to
// the host through eventChan. Nothing here touches the engine; consumers of
// eventChan decide whether to ack.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawEvent is an undecoded message plus its delivery controls.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed, or deliberately skipped
	NakFunc   func() // failed, redeliver
	TermFunc  func() // undecodable, never redeliver
}

func (r RawEvent) ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawEvent) nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

func (r RawEvent) term() {
	if r.TermFunc != nil {
		r.TermFunc()
		return
	}
	r.ack()
}

// SubjectConfig binds one subject filter to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

const (
	PriceStream  = "MINIPERPS_PRICES"
	EventsStream = "MINIPERPS_EVENTS"

	DefaultPriceSubject  = "perp.oracle.price"
	DefaultEventsSubject = "perp.engine.events"
)

// PriceSubjects returns the consumer config for the oracle price feed.
// Publishers append their source name: perp.oracle.price.<source>.
func PriceSubjects(prefix string) []SubjectConfig {
	if prefix == "" {
		prefix = DefaultPriceSubject
	}
	return []SubjectConfig{
		{Subject: prefix + ".>", ConsumerName: "miniperps-oracle", StreamName: PriceStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		log:       log,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
				TermFunc:  func() { msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the price and outbound event streams if missing.
// Both use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, priceSubject, eventsSubject string) error {
	if priceSubject == "" {
		priceSubject = DefaultPriceSubject
	}
	if eventsSubject == "" {
		eventsSubject = DefaultEventsSubject
	}
	streams := []jetstream.StreamConfig{
		{
			Name:      PriceStream,
			Subjects:  []string{priceSubject + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:       EventsStream,
			Subjects:   []string{eventsSubject + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Replicas:   1,
			Duplicates: 10 * time.Minute,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("miniperps"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
