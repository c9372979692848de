// Package bus implements the in-process event bus that connects the message
// router to downstream consumers.
//
// The bus is keyed by token ID with a "*" wildcard key that receives every
// event. Delivery is synchronous on the publisher's goroutine: Publish
// snapshots the matching subscriber set under the lock and invokes callbacks
// outside it, so a slow subscriber cannot stall subscription changes.
package bus

import (
	"log/slog"
	"sync"

	"polymarket-relay/pkg/types"
)

// Wildcard subscribes to events for every token.
const Wildcard = "*"

// Handler receives published events. Handlers must not mutate the event.
type Handler func(ev *types.ForwardEvent)

// Subscription is the handle returned by Subscribe, used to unsubscribe.
// Go funcs are not comparable, so the handle stands in for callback identity.
type Subscription struct {
	key     string
	id      uint64
	handler Handler
}

// Key returns the token (or wildcard) this subscription is registered under.
func (s *Subscription) Key() string { return s.key }

// Bus is a token-keyed publish/subscribe fan-out.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*Subscription // registration order per key
	nextID uint64
	logger *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]*Subscription),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe registers a handler for events on a token, or on every token
// when key is Wildcard. The returned handle is passed to Unsubscribe.
func (b *Bus) Subscribe(key string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{key: key, id: b.nextID, handler: fn}
	b.subs[key] = append(b.subs[key], sub)
	b.logger.Debug("subscriber registered", "token", key)
	return sub
}

// Unsubscribe removes a subscription. It is idempotent: removing a handle
// twice, or one from a cleared key, reports false without error. The key is
// deleted when its last subscription goes.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.key]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.key] = append(list[:i], list[i+1:]...)
			if len(b.subs[sub.key]) == 0 {
				delete(b.subs, sub.key)
			}
			b.logger.Debug("subscriber removed", "token", sub.key)
			return true
		}
	}
	return false
}

// UnsubscribeAll clears every subscription for one key and returns the
// number cleared.
func (b *Bus) UnsubscribeAll(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cleared := len(b.subs[key])
	delete(b.subs, key)
	b.logger.Debug("subscribers cleared", "token", key, "count", cleared)
	return cleared
}

// UnsubscribeEverything clears the whole bus and returns the number of
// subscriptions removed.
func (b *Bus) UnsubscribeEverything() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cleared := 0
	for _, list := range b.subs {
		cleared += len(list)
	}
	b.subs = make(map[string][]*Subscription)
	b.logger.Debug("subscribers cleared", "token", Wildcard, "count", cleared)
	return cleared
}

// Publish delivers an event to every subscriber of the event's token plus
// every wildcard subscriber, in registration order. A panicking handler is
// recovered and logged; the remaining handlers still run. Publish never
// returns an error to the caller.
func (b *Bus) Publish(ev *types.ForwardEvent) {
	b.mu.Lock()
	matched := b.subs[ev.TokenID]
	wild := b.subs[Wildcard]
	snapshot := make([]*Subscription, 0, len(matched)+len(wild))
	snapshot = append(snapshot, matched...)
	snapshot = append(snapshot, wild...)
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.deliver(sub, ev)
	}
}

func (b *Bus) deliver(sub *Subscription, ev *types.ForwardEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber callback failed",
				"token", ev.TokenID,
				"event_type", ev.EventType,
				"err", r,
			)
		}
	}()
	sub.handler(ev)
}

// SubscriberCount returns the number of subscriptions under one key.
func (b *Bus) SubscriberCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

// TotalSubscribers returns the number of subscriptions across all keys.
func (b *Bus) TotalSubscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, list := range b.subs {
		total += len(list)
	}
	return total
}
