package events

import (
	"context"
	"sync"
	"time"

	"github.com/Aidin1998/predex/pkg/metrics"
	"go.uber.org/zap"
)

// Event is the envelope for everything published on the bus.
type Event struct {
	Topic     string      `json:"topic"`
	Type      string      `json:"type"`
	Key       string      `json:"key"` // partition key, the market id
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// EventHandler must be fast; a panic is recovered and logged.
type EventHandler func(Event)

// EventBus publishes and subscribes to events.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(topic string, handler EventHandler)
}

// InMemoryEventBus delivers events synchronously in publish order.
type InMemoryEventBus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	subs   map[string][]EventHandler
}

func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	return &InMemoryEventBus{
		logger: logger.Named("events"),
		subs:   make(map[string][]EventHandler),
	}
}

// Publish delivers event to every subscriber of its topic.
func (bus *InMemoryEventBus) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	bus.mu.RLock()
	handlers := append([]EventHandler(nil), bus.subs[event.Topic]...)
	bus.mu.RUnlock()
	for _, h := range handlers {
		bus.deliver(h, event)
	}
	metrics.EventsPublished.WithLabelValues("memory", "ok").Inc()
}

func (bus *InMemoryEventBus) deliver(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventsPublished.WithLabelValues("memory", "panic").Inc()
			bus.logger.Error("Event handler panic", zap.Any("recover", r), zap.String("topic", event.Topic))
		}
	}()
	h(event)
}

// Subscribe registers a handler for a topic.
func (bus *InMemoryEventBus) Subscribe(topic string, handler EventHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.subs[topic] = append(bus.subs[topic], handler)
	bus.logger.Debug("Subscribed handler to topic", zap.String("topic", topic))
}
