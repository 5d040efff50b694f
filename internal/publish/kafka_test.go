package publish_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/internal/events"
	"github.com/atlas-desktop/signal-consensus/internal/publish"
	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublisherForwardsRecommendation(t *testing.T) {
	w := &recordingWriter{}
	p := publish.NewPublisherWithWriter(zap.NewNop(), w, time.Second)

	rec := &types.AggregatedRecommendation{
		ID:            "rec-1",
		RunID:         "run-1",
		Symbol:        "BTCUSDT",
		Direction:     types.DirectionLong,
		AvgConfidence: 7.5,
		TakeProfit:    decimal.NewFromInt(109),
	}
	ev := events.NewRecommendationEvent(rec)
	require.NoError(t, p.Handle(ev))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "BTCUSDT", string(msg.Key))
	assert.Equal(t, "event-type", msg.Headers[0].Key)
	assert.Equal(t, "recommendation", string(msg.Headers[0].Value))

	var env struct {
		ID      string                         `json:"id"`
		Type    string                         `json:"type"`
		Payload types.AggregatedRecommendation `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &env))
	assert.Equal(t, ev.ID, env.ID)
	assert.Equal(t, "recommendation", env.Type)
	assert.Equal(t, "run-1", env.Payload.RunID)
	assert.True(t, env.Payload.TakeProfit.Equal(decimal.NewFromInt(109)))
}

func TestPublisherKeysOutcomesByBot(t *testing.T) {
	w := &recordingWriter{}
	p := publish.NewPublisherWithWriter(zap.NewNop(), w, time.Second)

	require.NoError(t, p.Handle(events.NewOutcomeEvent(types.BotPrediction{ID: "p1", Bot: "alpha"})))
	require.NoError(t, p.Handle(events.NewWeightsEvent(types.NewWeightTable(2, time.Now(), map[string]float64{"alpha": 1.1}))))
	require.NoError(t, p.Handle(events.NewCycleEvent("scan", "run-1", 1, 0, time.Second)), "cycle events are not forwarded")

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "alpha", string(w.msgs[0].Key))
	assert.Equal(t, "weights", string(w.msgs[1].Key))
}

func TestPublisherReportsWriteErrors(t *testing.T) {
	w := &recordingWriter{err: errors.New("leader not available")}
	p := publish.NewPublisherWithWriter(zap.NewNop(), w, time.Second)

	err := p.Handle(events.NewOutcomeEvent(types.BotPrediction{ID: "p1", Bot: "alpha"}))
	assert.ErrorContains(t, err, "leader not available")
	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublisherAttachesToBus(t *testing.T) {
	w := &recordingWriter{}
	p := publish.NewPublisherWithWriter(zap.NewNop(), w, time.Second)
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())
	defer bus.Stop()

	subs := p.Attach(bus)
	assert.Len(t, subs, 3)

	bus.PublishSync(events.NewRecommendationEvent(&types.AggregatedRecommendation{Symbol: "ETHUSDT"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ETHUSDT", string(w.msgs[0].Key))
}

func TestNewPublisherRequiresBrokers(t *testing.T) {
	cfg := publish.DefaultKafkaConfig()
	cfg.Brokers = nil
	_, err := publish.NewPublisher(zap.NewNop(), cfg)
	assert.Error(t, err)
}
