// Package event provides the in-process publish/subscribe bus that carries
// discovery notifications to external listeners.
package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is a single notification delivered through the bus.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Payload   any
}

// Handler processes a delivered event. Handlers must be safe for concurrent
// invocation when subscribed with PublishAsync in play.
type Handler func(ctx context.Context, e Event)

// Publisher is the event-emitting subset of Bus, implemented by mocks in tests.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	PublishAsync(ctx context.Context, e Event)
}

// Compile-time interface guard.
var _ Publisher = (*Bus)(nil)

// Bus is a topic-based publish/subscribe event bus. A zero Bus is not usable;
// construct with NewBus.
type Bus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler // topic -> id -> handler
	all      map[int]Handler            // wildcard subscribers
}

// NewBus creates an event bus that logs handler panics via the given logger.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:   logger,
		handlers: make(map[string]map[int]Handler),
		all:      make(map[int]Handler),
	}
}

// Subscribe registers a handler for a single topic. The returned function
// removes the subscription; calling it more than once is safe.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[int]Handler)
	}
	b.handlers[topic][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[topic], id)
	}
}

// SubscribeAll registers a handler invoked for every published event.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.all[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Publish delivers the event synchronously to all matching handlers. A
// panicking handler is recovered and logged; remaining handlers still run.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	for _, h := range b.snapshot(e.Topic) {
		b.invoke(ctx, h, e)
	}
	return nil
}

// PublishAsync delivers the event on a separate goroutine and returns
// immediately. Delivery order across topics is not guaranteed.
func (b *Bus) PublishAsync(ctx context.Context, e Event) {
	handlers := b.snapshot(e.Topic)
	go func() {
		for _, h := range handlers {
			b.invoke(ctx, h, e)
		}
	}()
}

// snapshot copies the matching handler set so delivery never holds the lock.
func (b *Bus) snapshot(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Handler, 0, len(b.handlers[topic])+len(b.all))
	for _, h := range b.handlers[topic] {
		out = append(out, h)
	}
	for _, h := range b.all {
		out = append(out, h)
	}
	return out
}

func (b *Bus) invoke(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", e.Topic),
				zap.Any("panic", r),
			)
		}
	}()
	h(ctx, e)
}
