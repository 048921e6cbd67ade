// Package eventbus fans out engine events to subscribers (§6 observer
// surface). Grounded on the teacher's websocket Hub, but with a different
// backpressure policy: a slow subscriber has its oldest queued message
// dropped to make room for the new one, rather than being disconnected.
// Nothing external to this engine depends on not missing an event, and a
// dashboard consumer would rather see gaps than lose its connection.
package eventbus

import (
	"log/slog"
	"sync"

	"scalpengine/internal/events"
)

const subscriberBuffer = 256

// Subscriber is a single consumer's inbox.
type Subscriber struct {
	ch chan events.Envelope
}

// C returns the channel to range over for delivered events.
func (s *Subscriber) C() <-chan events.Envelope { return s.ch }

// Bus is the thread-safe event fan-out registry.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	logger      *slog.Logger
}

// New constructs an empty Bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
		logger:      logger.With("component", "eventbus"),
	}
}

// Subscribe registers a new subscriber. Callers must Unsubscribe when done.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan events.Envelope, subscriberBuffer)}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe deregisters a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Emit publishes payload to every current subscriber, wrapping it in its
// Envelope. Implements the coordinator.EventEmitter interface.
func (b *Bus) Emit(payload any) {
	env := events.Wrap(payload)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub.ch <- env:
		default:
			// Buffer full: drop the oldest queued message, then enqueue the
			// new one. Never blocks the producer, never drops the subscriber.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- env:
			default:
				b.logger.Warn("subscriber still full after eviction, dropping event")
			}
		}
	}
}

// SubscriberCount reports the number of live subscribers, for diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
