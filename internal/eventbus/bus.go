package eventbus

import (
	"log"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is the per-subscription channel capacity. A slow
// subscriber backs up against this limit rather than stalling Publish,
// which holds the bus's read lock for the duration of a fan-out.
const subscriberBuffer = 100

// subscription is one listener's live feed: events addressed to target
// and matching types (an empty set accepts everything) are delivered to
// ch until Unsubscribe closes it.
type subscription struct {
	ch     chan Event
	types  map[EventType]struct{}
	target string
}

func (s *subscription) accepts(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// EventStore persists events so a subscriber that reconnects can replay
// what it missed via GetPendingEvents instead of losing dropped events.
type EventStore interface {
	Save(event *Event) error
	GetPending(target string, types []EventType) ([]*Event, error)
	MarkDelivered(eventID string) error
}

// Bus is the kernel's internal publish-subscribe fabric. Every component
// — dispatcher, lock manager, approval gate, spawner, usage tracker —
// publishes to it under the fixed topic namespace declared in types.go.
// External sinks (the WebSocket fan-out, the notification dispatcher,
// the composition root's own callbacks) subscribe to a target of their
// choosing, usually "all".
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscription // target -> live subscriptions
	store       EventStore                 // nil disables persistence/catch-up
	dropped     uint64                     // events discarded to a full subscriber, atomic
}

// NewBus builds a Bus backed by store. A nil store disables persistence:
// GetPendingEvents then always returns nothing, which is fine for tests
// and any wiring that doesn't need catch-up delivery.
func NewBus(store EventStore) *Bus {
	return &Bus{
		subscribers: make(map[string][]*subscription),
		store:       store,
	}
}

// Subscribe opens a feed for target filtered to types (nil or empty
// accepts every type) and returns the receive side of its channel. Pair
// every Subscribe with an Unsubscribe to release the channel.
func (b *Bus) Subscribe(target string, types []EventType) <-chan Event {
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	sub := &subscription{
		ch:     make(chan Event, subscriberBuffer),
		types:  set,
		target: target,
	}

	b.mu.Lock()
	b.subscribers[target] = append(b.subscribers[target], sub)
	b.mu.Unlock()

	return sub.ch
}

// Unsubscribe removes the subscription backing ch from target and
// closes it. Further events addressed to target are no longer delivered
// to it.
func (b *Bus) Unsubscribe(target string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[target]
	for i, sub := range subs {
		if sub.ch == ch {
			close(sub.ch)
			b.subscribers[target] = append(subs[:i], subs[i+1:]...)
			if len(b.subscribers[target]) == 0 {
				delete(b.subscribers, target)
			}
			return
		}
	}
}

// Publish persists event, if a store is wired, then fans it out to
// every subscription that should see it: target's own subscribers, plus
// "all" subscribers (or every subscription at all, if target itself is
// "all").
func (b *Bus) Publish(event *Event) {
	if b.store != nil {
		if err := b.store.Save(event); err != nil {
			log.Printf("eventbus: persist %s for %s failed: %v", event.Type, event.Target, err)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.recipients(event.Target) {
		if sub.accepts(event.Type) {
			b.deliver(sub, event)
		}
	}
}

// recipients returns the subscriptions that should see an event
// addressed to target.
func (b *Bus) recipients(target string) []*subscription {
	if target == "all" {
		var all []*subscription
		for _, subs := range b.subscribers {
			all = append(all, subs...)
		}
		return all
	}
	return append(append([]*subscription{}, b.subscribers[target]...), b.subscribers["all"]...)
}

// deliver sends event to sub without blocking the publisher: a
// subscriber that can't keep up loses the event rather than stalling
// every other subscriber behind the bus's read lock. The event is still
// durable (if a store is wired) and recoverable via GetPendingEvents.
func (b *Bus) deliver(sub *subscription, event *Event) {
	select {
	case sub.ch <- *event:
	default:
		n := atomic.AddUint64(&b.dropped, 1)
		log.Printf("eventbus: dropped %s for %s, subscriber buffer full (total dropped: %d)", event.Type, event.Target, n)
	}
}

// GetPendingEvents returns events saved for target that haven't been
// marked delivered, for a subscriber catching up after reconnecting.
// Returns nil if no store is wired.
func (b *Bus) GetPendingEvents(target string, types []EventType) ([]*Event, error) {
	if b.store == nil {
		return nil, nil
	}
	return b.store.GetPending(target, types)
}

// MarkDelivered records that eventID was handled, excluding it from
// future GetPendingEvents calls. A no-op if no store is wired.
func (b *Bus) MarkDelivered(eventID string) error {
	if b.store == nil {
		return nil
	}
	return b.store.MarkDelivered(eventID)
}

// DroppedEventCount returns how many events were discarded to a full
// subscriber buffer since the bus was created.
func (b *Bus) DroppedEventCount() uint64 {
	return atomic.LoadUint64(&b.dropped)
}
