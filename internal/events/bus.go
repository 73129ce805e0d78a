package events

import (
	"sync"
)

// DefaultBufferSize is the capacity of every subscriber channel
const DefaultBufferSize = 100

// EventBus implements the Bus interface providing a concurrent-safe
// publish-subscribe bus of typed events.
type EventBus[T any] struct {
	// subscribers maps topics to a set of subscriber channels
	subscribers map[string]map[chan T]struct{}

	// subscribersMu protects the subscribers map and the closed flag
	subscribersMu sync.RWMutex

	// channelBufferSize determines the buffer size for new subscriber channels
	channelBufferSize int

	// dropped counts events discarded because a subscriber channel was full.
	// Publish only holds the read lock, so the counters have their own mutex.
	dropped map[string]uint64
	dropMu  sync.Mutex

	closed bool
}

// Option configures an EventBus
type Option func(*busOptions)

type busOptions struct {
	bufferSize int
}

// WithBufferSize sets the buffer size of subscriber channels.
func WithBufferSize(n int) Option {
	return func(o *busOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// NewEventBus creates a new EventBus instance.
func NewEventBus[T any](opts ...Option) *EventBus[T] {
	o := busOptions{bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	return &EventBus[T]{
		subscribers:       make(map[string]map[chan T]struct{}),
		channelBufferSize: o.bufferSize,
		dropped:           make(map[string]uint64),
	}
}

// Publish sends an event to all subscribers of the specified topic.
// It never blocks: if a subscriber's channel is full the event is dropped
// for that subscriber only.
func (b *EventBus[T]) Publish(topic string, event T) {
	b.subscribersMu.RLock()
	defer b.subscribersMu.RUnlock()

	if b.closed {
		return
	}

	subscribers, exists := b.subscribers[topic]
	if !exists {
		return
	}

	for subscriberCh := range subscribers {
		select {
		case subscriberCh <- event:
		default:
			b.countDrop(topic)
		}
	}
}

func (b *EventBus[T]) countDrop(topic string) {
	b.dropMu.Lock()
	b.dropped[topic]++
	b.dropMu.Unlock()
}

// Subscribe creates a new subscription to the specified topic.
// The subscriber should call Unsubscribe when done to release the channel.
// Subscribing to a closed bus returns an already closed channel.
func (b *EventBus[T]) Subscribe(topic string) <-chan T {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()

	ch := make(chan T, b.channelBufferSize)
	if b.closed {
		close(ch)
		return ch
	}

	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[chan T]struct{})
	}
	b.subscribers[topic][ch] = struct{}{}

	return ch
}

// Unsubscribe removes a subscriber from the specified topic and closes its
// channel. It is idempotent.
//
// Usage example:
//
//	ch := bus.Subscribe("spread_update")
//	defer bus.Unsubscribe("spread_update", ch)
func (b *EventBus[T]) Unsubscribe(topic string, ch <-chan T) {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()

	subscribers, exists := b.subscribers[topic]
	if !exists {
		return
	}

	for subCh := range subscribers {
		if ch == subCh {
			delete(subscribers, subCh)
			close(subCh)
			break
		}
	}

	if len(subscribers) == 0 {
		delete(b.subscribers, topic)
	}
}

// Shutdown closes all subscriber channels. Later publishes are ignored.
func (b *EventBus[T]) Shutdown() {
	b.subscribersMu.Lock()
	defer b.subscribersMu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for topic, subscribers := range b.subscribers {
		for ch := range subscribers {
			close(ch)
		}
		delete(b.subscribers, topic)
	}
}

// TopicSubscriberCount returns the number of subscribers for a topic.
func (b *EventBus[T]) TopicSubscriberCount(topic string) int {
	b.subscribersMu.RLock()
	defer b.subscribersMu.RUnlock()

	return len(b.subscribers[topic])
}

// Dropped returns how many events were discarded on topic because a
// subscriber was not keeping up.
func (b *EventBus[T]) Dropped(topic string) uint64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped[topic]
}
