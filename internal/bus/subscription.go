package bus

import (
	"sync"

	"github.com/danmuck/shardctl/internal/observability"
)

const subscriptionBuffer = 64

// Subscription is a per-shard filtered view of the global bus. It taps the
// bus rather than the underlying protocol connection, so attaching many
// views never duplicates protocol subscriptions.
type Subscription struct {
	shardID string
	ch      chan ShardEvent
	cancel  func()

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// ShardEvents returns a subscription receiving only events tagged with id.
func (b *Bus) ShardEvents(id string) *Subscription {
	sub := &Subscription{
		shardID: id,
		ch:      make(chan ShardEvent, subscriptionBuffer),
	}
	sub.cancel = b.SubscribeAll(func(ev ShardEvent) {
		if ev.ShardID != id {
			return
		}
		sub.deliver(ev)
	})
	return sub
}

// C yields this shard's events. The channel closes after Cancel.
func (s *Subscription) C() <-chan ShardEvent {
	return s.ch
}

// ShardID returns the shard this subscription filters on.
func (s *Subscription) ShardID() string {
	return s.shardID
}

// Dropped returns how many events were discarded because the consumer fell
// behind.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Cancel detaches from the bus and closes the channel.
func (s *Subscription) Cancel() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver never blocks the bus: when the buffer is full the oldest pending
// event is discarded to make room.
func (s *Subscription) deliver(ev ShardEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
			observability.RecordEventDropped()
		default:
		}
	}
}
