package ingestion_test

import (
	"MiniPerps/internal/core"
	"MiniPerps/internal/event"
	"MiniPerps/internal/ingestion"
	"MiniPerps/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeJetStream struct {
	mu   sync.Mutex
	msgs []published
	fail error
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.msgs = append(f.msgs, published{subject: subject, data: payload})
	return &jetstream.PubAck{Stream: ingestion.EventsStream, Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeJetStream) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func output(seq int64, et event.EventType) core.CoreOutput {
	return core.CoreOutput{Envelope: &event.EventEnvelope{
		Sequence:  seq,
		EventType: et,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
		Payload:   json.RawMessage(`{}`),
	}}
}

func TestOutboundPublisher_Subjects(t *testing.T) {
	js := &fakeJetStream{}
	in := make(chan core.CoreOutput, 4)
	pub := ingestion.NewOutboundPublisher(js, in, "", nil, zerolog.Nop())

	in <- output(1, event.EventTypePositionOpened)
	in <- output(2, event.EventTypeFundingApplied)
	close(in)
	require.NoError(t, pub.Run(context.Background()))

	msgs := js.sent()
	require.Len(t, msgs, 2)
	assert.Equal(t, "perp.engine.events.PositionOpened", msgs[0].subject)
	assert.Equal(t, "perp.engine.events.FundingApplied", msgs[1].subject)

	var env event.EventEnvelope
	require.NoError(t, json.Unmarshal(msgs[1].data, &env))
	assert.Equal(t, int64(2), env.Sequence)
	assert.Equal(t, event.EventTypeFundingApplied, env.EventType)
}

func TestOutboundPublisher_FailureCounted(t *testing.T) {
	js := &fakeJetStream{fail: errors.New("no responders")}
	in := make(chan core.CoreOutput, 1)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pub := ingestion.NewOutboundPublisher(js, in, "custom", metrics, zerolog.Nop())

	in <- output(1, event.EventTypeCollateralDeposited)
	close(in)
	require.NoError(t, pub.Run(context.Background()))

	assert.Empty(t, js.sent())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PublishDrops))
	assert.Equal(t, "custom.PriceSet", pub.Subject("PriceSet"))
}
