package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	id      string
	ch      chan Event
	dropped atomic.Uint64
	lossy   atomic.Bool
}

// Events returns the subscriber's delivery channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events this subscriber has lost.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Lossy reports whether this subscriber has ever lost an event.
func (s *Subscription) Lossy() bool {
	return s.lossy.Load()
}

// Bus is a bounded in-process pub/sub. Publish never blocks: when a
// subscriber's buffer is full the oldest buffered event is dropped and the
// subscriber is marked lossy.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	logger *zap.Logger
}

// NewBus returns an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a new subscriber. A buffer of 0 uses DefaultBuffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		id: uuid.NewString(),
		ch: make(chan Event, buffer),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Publish fans the event out to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		for {
			select {
			case sub.ch <- ev:
			default:
				// Buffer full: shed the oldest event and retry.
				select {
				case <-sub.ch:
					sub.dropped.Add(1)
					if !sub.lossy.Swap(true) {
						b.logger.Warn("slow event subscriber dropping events",
							zap.String("subscriber", sub.id))
					}
				default:
				}
				continue
			}
			break
		}
	}
}
