// Package events provides the in-process event bus that fans engine results
// out to the websocket hub, the Kafka publisher and metrics.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// EventType defines the category of event
type EventType string

const (
	EventTypeRecommendation EventType = "recommendation"
	EventTypeOutcome        EventType = "outcome"
	EventTypeWeights        EventType = "weights"
	EventTypeCycle          EventType = "cycle"
)

// Event is the base interface for all engine events
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

func newBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

// RecommendationEvent carries a freshly aggregated recommendation.
type RecommendationEvent struct {
	BaseEvent
	Recommendation *types.AggregatedRecommendation `json:"recommendation"`
}

// OutcomeEvent carries a prediction that just reached a terminal outcome.
type OutcomeEvent struct {
	BaseEvent
	Prediction types.BotPrediction `json:"prediction"`
}

// WeightsEvent carries a newly published weight table.
type WeightsEvent struct {
	BaseEvent
	Table *types.WeightTable `json:"table"`
}

// CycleEvent summarises a finished batch job.
type CycleEvent struct {
	BaseEvent
	Job       string        `json:"job"`
	RunID     string        `json:"runId,omitempty"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// NewRecommendationEvent wraps rec in an event.
func NewRecommendationEvent(rec *types.AggregatedRecommendation) *RecommendationEvent {
	return &RecommendationEvent{BaseEvent: newBaseEvent(EventTypeRecommendation), Recommendation: rec}
}

// NewOutcomeEvent wraps a resolved prediction in an event.
func NewOutcomeEvent(pred types.BotPrediction) *OutcomeEvent {
	return &OutcomeEvent{BaseEvent: newBaseEvent(EventTypeOutcome), Prediction: pred}
}

// NewWeightsEvent wraps a weight table in an event.
func NewWeightsEvent(table *types.WeightTable) *WeightsEvent {
	return &WeightsEvent{BaseEvent: newBaseEvent(EventTypeWeights), Table: table}
}

// NewCycleEvent reports the result of a batch job.
func NewCycleEvent(job, runID string, succeeded, failed int, elapsed time.Duration) *CycleEvent {
	return &CycleEvent{
		BaseEvent: newBaseEvent(EventTypeCycle),
		Job:       job,
		RunID:     runID,
		Succeeded: succeeded,
		Failed:    failed,
		Duration:  elapsed,
	}
}

// EventHandler is a function that processes events
type EventHandler func(event Event) error

// EventFilter can selectively process events
type EventFilter func(event Event) bool

// SubscriptionOptions configures subscription behavior
type SubscriptionOptions struct {
	Filter EventFilter // Optional filter
	Async  bool        // Process in separate goroutine
}

// Subscription represents an active event subscription
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Options   SubscriptionOptions
	active    atomic.Bool
}

// IsActive returns whether subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// EventBusStats tracks bus counters
type EventBusStats struct {
	EventsPublished   int64 `json:"events_published"`
	EventsProcessed   int64 `json:"events_processed"`
	EventsDropped     int64 `json:"events_dropped"`
	ProcessingErrors  int64 `json:"processing_errors"`
	ActiveSubscribers int64 `json:"active_subscribers"`
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	NumWorkers int `mapstructure:"num_workers"`
	BufferSize int `mapstructure:"buffer_size"`
}

// DefaultEventBusConfig returns sensible defaults
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		NumWorkers: 4,
		BufferSize: 4096,
	}
}

// EventBus is the central event routing system
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	eventChan   chan Event
	workerCount int

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewEventBus creates an event bus and starts its workers.
func NewEventBus(logger *zap.Logger, config EventBusConfig) *EventBus {
	workerCount := config.NumWorkers
	bufferSize := config.BufferSize
	if workerCount <= 0 {
		workerCount = 4
	}
	if bufferSize <= 0 {
		bufferSize = 4096
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		subscribers: make(map[EventType][]*Subscription),
		eventChan:   make(chan Event, bufferSize),
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("event-bus"),
	}

	for i := 0; i < workerCount; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}

	eb.logger.Info("EventBus initialized",
		zap.Int("workers", workerCount),
		zap.Int("buffer_size", bufferSize),
	)

	return eb
}

// worker processes events from the channel until Stop, then drains what is left
func (eb *EventBus) worker() {
	defer eb.wg.Done()

	for {
		select {
		case <-eb.ctx.Done():
			for {
				select {
				case event := <-eb.eventChan:
					eb.processEvent(event)
				default:
					return
				}
			}
		case event := <-eb.eventChan:
			eb.processEvent(event)
		}
	}
}

// processEvent routes event to subscribers
func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := append([]*Subscription(nil), eb.subscribers[event.GetType()]...)
	subs = append(subs, eb.allSubscribers...)
	eb.mu.RUnlock()

	for _, sub := range subs {
		if !sub.active.Load() {
			continue
		}
		if sub.Options.Filter != nil && !sub.Options.Filter(event) {
			continue
		}

		if sub.Options.Async {
			go eb.executeHandler(sub, event)
		} else {
			eb.executeHandler(sub, event)
		}
	}

	eb.eventsProcessed.Add(1)
}

// executeHandler safely executes a handler with panic recovery
func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("Event handler panic",
				zap.String("subscription_id", sub.ID),
				zap.String("event_type", string(event.GetType())),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("Event handler error",
			zap.String("subscription_id", sub.ID),
			zap.String("event_type", string(event.GetType())),
			zap.Error(err),
		)
	}
}

func (eb *EventBus) newSubscription(eventType EventType, handler EventHandler, opts []SubscriptionOptions) *Subscription {
	var options SubscriptionOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	sub := &Subscription{
		ID:        "sub_" + uuid.NewString(),
		EventType: eventType,
		Handler:   handler,
		Options:   options,
	}
	sub.active.Store(true)
	eb.activeSubscribers.Add(1)
	return sub
}

// Subscribe registers a handler for an event type. Handlers run on the bus
// workers unless Async is set.
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	sub := eb.newSubscription(eventType, handler, opts)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.mu.Unlock()

	eb.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("event_type", string(eventType)),
	)
	return sub
}

// SubscribeAll registers a handler for all event types
func (eb *EventBus) SubscribeAll(handler EventHandler, opts ...SubscriptionOptions) *Subscription {
	sub := eb.newSubscription("*", handler, opts)

	eb.mu.Lock()
	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.mu.Unlock()
	return sub
}

// Unsubscribe deactivates a subscription
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	if sub.active.Swap(false) {
		eb.activeSubscribers.Add(-1)
	}
}

// Publish queues an event without blocking. If the buffer is full the event
// is dropped and counted.
func (eb *EventBus) Publish(event Event) {
	select {
	case eb.eventChan <- event:
		eb.eventsPublished.Add(1)
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("Event dropped - buffer full",
			zap.String("event_type", string(event.GetType())),
		)
	}
}

// PublishSync delivers an event on the caller's goroutine
func (eb *EventBus) PublishSync(event Event) {
	eb.eventsPublished.Add(1)
	eb.processEvent(event)
}

// GetStats returns the bus counters
func (eb *EventBus) GetStats() EventBusStats {
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eb.eventsProcessed.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

// Stop drains queued events and shuts the workers down
func (eb *EventBus) Stop() {
	eb.logger.Info("Shutting down EventBus...")
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Info("EventBus shutdown complete",
			zap.Int64("events_processed", eb.eventsProcessed.Load()),
			zap.Int64("events_dropped", eb.eventsDropped.Load()),
		)
	case <-time.After(5 * time.Second):
		eb.logger.Warn("EventBus shutdown timed out")
	}
}
