package events

import (
	"sync"
	"sync/atomic"
)

const defaultBufSize = 256

// Subscription is a live registration on the bus. Events arrive on C until the
// subscription is cancelled or the bus is closed, at which point C is closed.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	topic string // empty for all-topic subscriptions
}

// EventBus is a channel-based pub-sub event bus.
// A nil *EventBus is valid and drops everything, so components can treat
// the bus as optional.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription // topic -> subscribers
	allSubs []*Subscription
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[string][]*Subscription),
	}
}

// Subscribe registers for a single topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(topic string, bufSize int) *Subscription {
	return b.add(topic, bufSize)
}

// SubscribeAll registers for every topic.
func (b *EventBus) SubscribeAll(bufSize int) *Subscription {
	return b.add("", bufSize)
}

func (b *EventBus) add(topic string, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, ch: ch, topic: topic}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return sub
	}

	if topic == "" {
		b.allSubs = append(b.allSubs, sub)
	} else {
		b.subs[topic] = append(b.subs[topic], sub)
	}
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
// Unknown or already-removed subscriptions are ignored.
func (b *EventBus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	var removed bool
	if sub.topic == "" {
		b.allSubs, removed = without(b.allSubs, sub)
	} else {
		b.subs[sub.topic], removed = without(b.subs[sub.topic], sub)
	}
	if removed {
		close(sub.ch)
	}
}

func without(list []*Subscription, sub *Subscription) ([]*Subscription, bool) {
	for i, s := range list {
		if s == sub {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}

// Publish sends an event to all subscribers of the given topic and to every
// all-topic subscriber. Never blocks: a full subscriber misses the event and
// the drop is counted.
func (b *EventBus) Publish(topic string, event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[topic] {
		b.deliver(sub, event)
	}
	for _, sub := range b.allSubs {
		b.deliver(sub, event)
	}
}

func (b *EventBus) deliver(sub *Subscription, event Event) {
	select {
	case sub.ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *EventBus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, list := range b.subs {
		for _, sub := range list {
			close(sub.ch)
		}
	}
	for _, sub := range b.allSubs {
		close(sub.ch)
	}
	b.subs = nil
	b.allSubs = nil
}
