// Package bus owns the global event stream and per-shard filtered views.
//
// Ownership boundary:
// - publish/subscribe dispatch for shard-tagged events
// - per-shard subscriptions tapping the global stream
// - forwarding goroutines bridging protocol connections onto the bus
//
// Dispatch is explicit: the bus holds its subscriber tables and walks them on
// every publish. Nothing patches or intercepts the dispatch path.
package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/danmuck/shardctl/internal/protocol"
)

// Derived event names published by the router and error reporter on top of
// the fixed protocol set.
const (
	EventLoginUpdate protocol.EventName = "login-update"
	EventError       protocol.EventName = "error"
)

// ShardEvent is one bus emission: a protocol (or derived) event annotated
// with its shard of origin.
type ShardEvent struct {
	ShardID string
	Name    protocol.EventName
	Payload any
}

// Handler consumes one bus event. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(ShardEvent)

type subscriber struct {
	id string
	fn Handler
}

// Bus is the process-wide event stream.
type Bus struct {
	mu     sync.RWMutex
	byName map[protocol.EventName][]subscriber
	all    []subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{byName: make(map[protocol.EventName][]subscriber)}
}

// Subscribe registers a handler for one event name. The returned cancel
// function removes it.
func (b *Bus) Subscribe(name protocol.EventName, fn Handler) func() {
	sub := subscriber{id: uuid.NewString(), fn: fn}
	b.mu.Lock()
	b.byName[name] = append(b.byName[name], sub)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byName[name] = dropSubscriber(b.byName[name], sub.id)
	}
}

// SubscribeAll registers a handler for every event name.
func (b *Bus) SubscribeAll(fn Handler) func() {
	sub := subscriber{id: uuid.NewString(), fn: fn}
	b.mu.Lock()
	b.all = append(b.all, sub)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = dropSubscriber(b.all, sub.id)
	}
}

// Publish dispatches ev to name-scoped subscribers first, then catch-all
// subscribers, each in registration order.
func (b *Bus) Publish(ev ShardEvent) {
	b.mu.RLock()
	named := b.byName[ev.Name]
	all := b.all
	b.mu.RUnlock()

	for _, sub := range named {
		sub.fn(ev)
	}
	for _, sub := range all {
		sub.fn(ev)
	}
}

// dropSubscriber copies rather than compacting in place: Publish iterates a
// snapshot of the slice outside the lock.
func dropSubscriber(subs []subscriber, id string) []subscriber {
	out := make([]subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.id != id {
			out = append(out, sub)
		}
	}
	return out
}
