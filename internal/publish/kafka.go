// Package publish forwards engine events to Kafka for downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/internal/events"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	Compression  string        `mapstructure:"compression"`
	RequiredAcks int           `mapstructure:"required_acks"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultKafkaConfig returns a disabled configuration for a local broker.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "consensus.events",
		Compression:  "gzip",
		RequiredAcks: -1,
		MaxAttempts:  3,
		BatchTimeout: 100 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the JSON value of every published message.
type Envelope struct {
	ID        string           `json:"id"`
	Type      events.EventType `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   any              `json:"payload"`
}

// Publisher writes recommendations, outcomes and weight tables to one topic.
// Messages are keyed so that all events for one symbol or bot land on the
// same partition.
type Publisher struct {
	logger  *zap.Logger
	writer  MessageWriter
	timeout time.Duration
}

// NewPublisher creates a publisher backed by a kafka-go writer.
func NewPublisher(logger *zap.Logger, cfg KafkaConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  parseCompression(cfg.Compression),
		MaxAttempts:  cfg.MaxAttempts,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return NewPublisherWithWriter(logger, writer, cfg.WriteTimeout), nil
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(logger *zap.Logger, writer MessageWriter, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Publisher{
		logger:  logger.Named("kafka-publisher"),
		writer:  writer,
		timeout: timeout,
	}
}

// Attach subscribes the publisher to the events it forwards.
func (p *Publisher) Attach(bus *events.EventBus) []*events.Subscription {
	subs := make([]*events.Subscription, 0, 3)
	for _, t := range []events.EventType{events.EventTypeRecommendation, events.EventTypeOutcome, events.EventTypeWeights} {
		subs = append(subs, bus.Subscribe(t, p.Handle))
	}
	return subs
}

// Handle publishes one event. Unknown event types are ignored.
func (p *Publisher) Handle(event events.Event) error {
	key, payload, ok := messageParts(event)
	if !ok {
		return nil
	}

	value, err := json.Marshal(Envelope{
		ID:        event.GetID(),
		Type:      event.GetType(),
		Timestamp: event.GetTimestamp(),
		Payload:   payload,
	})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.GetType(), err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Time:    event.GetTimestamp(),
		Headers: []kafka.Header{{Key: "event-type", Value: []byte(event.GetType())}},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s event: %w", event.GetType(), err)
	}

	p.logger.Debug("Published event",
		zap.String("type", string(event.GetType())),
		zap.String("key", key),
		zap.Int("bytes", len(value)),
	)
	return nil
}

func messageParts(event events.Event) (key string, payload any, ok bool) {
	switch e := event.(type) {
	case *events.RecommendationEvent:
		return e.Recommendation.Symbol, e.Recommendation, true
	case *events.OutcomeEvent:
		return e.Prediction.Bot, e.Prediction, true
	case *events.WeightsEvent:
		return "weights", e.Table, true
	default:
		return "", nil, false
	}
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func parseCompression(s string) kafka.Compression {
	switch s {
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Gzip
	}
}
