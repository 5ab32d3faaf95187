// Package eventbus is the in-process fanout used to push domain events to
// every open dashboard connection: refresh results, cache invalidations,
// provider changes. One process, one bus; the HTTP layer subscribes a
// channel per websocket connection and drains it into the wire.
package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pipedash/pipedash/pkg/domain"
)

// bufferSize is the per-subscriber channel depth. A slow consumer that falls
// this far behind starts losing its oldest buffered events rather than
// blocking the publisher.
const bufferSize = 1024

// allTopics is the pseudo-topic a plain Subscribe() listens on; EmitTo never
// publishes to it directly, only Emit does.
const allTopics = ""

// subscriberEntry is one registered listener and the topic it narrowed to,
// if any ("" means it receives everything Emit publishes).
type subscriberEntry struct {
	ch    chan domain.Event
	topic string
}

// Bus is a bounded, drop-oldest broadcast channel safe for concurrent
// emitters and subscribers. It supports both untargeted broadcast (Emit) and
// per-topic delivery (EmitTo), per spec.md §4.8.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]subscriberEntry
	nextID      int64
	logger      *zap.SugaredLogger
}

func New(logger *zap.SugaredLogger) *Bus {
	return &Bus{subscribers: make(map[int64]subscriberEntry), logger: logger}
}

// Subscription is a live feed plus the handle needed to tear it down.
type Subscription struct {
	id     int64
	Events <-chan domain.Event
	bus    *Bus
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Subscribe registers a listener that receives every event published via
// Emit, plus any EmitTo publication to topic (if topic is non-empty).
func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan domain.Event, bufferSize)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = subscriberEntry{ch: ch, topic: topic}
	b.mu.Unlock()

	return &Subscription{id: id, Events: ch, bus: b}
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	entry, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		close(entry.ch)
	}
}

// Emit broadcasts event to every current subscriber regardless of the topic
// they narrowed to. A subscriber whose buffer is full has its oldest pending
// event dropped to make room, so a slow consumer never blocks the emitter.
func (b *Bus) Emit(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, entry := range b.subscribers {
		b.deliver(id, entry.ch, event)
	}
}

// EmitTo delivers event only to subscribers narrowed to topic.
func (b *Bus) EmitTo(topic string, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, entry := range b.subscribers {
		if entry.topic == topic {
			b.deliver(id, entry.ch, event)
		}
	}
}

func (b *Bus) deliver(id int64, ch chan domain.Event, event domain.Event) {
	select {
	case ch <- event:
	default:
		b.dropOldestAndSend(id, ch, event)
	}
}

func (b *Bus) dropOldestAndSend(id int64, ch chan domain.Event, event domain.Event) {
	select {
	case <-ch:
		b.logger.Warnw("eventbus subscriber buffer full, dropped oldest event", "subscriber_id", id)
	default:
	}
	select {
	case ch <- event:
	default:
		// Another emitter raced us and refilled the buffer; the event is lost
		// rather than risking a publisher-side block.
	}
}

// SubscriberCount reports the number of currently-registered listeners,
// mainly for diagnostics and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
