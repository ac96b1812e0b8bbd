// Package broker implements a process-scoped publish/subscribe broadcast
// for live audit events. There is no durable queue: a subscriber that falls
// behind is dropped and must reconcile through the pull query endpoint.
package broker

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Event kinds delivered over the live channel.
const (
	// KindCreated announces a newly persisted audit record.
	KindCreated = "audit.created"
	// KindEnriched announces geo enrichment of an existing record.
	KindEnriched = "audit.enriched"
)

// Event is one broadcast message.
type Event struct {
	Kind    string         // Event kind, one of the Kind constants.
	Payload map[string]any // Redacted record payload.
}

// defaultBuffer is the per-subscriber channel capacity.
const defaultBuffer = 64

// Subscriber receives events on C until Cancel is called or the broker
// drops it for falling behind. After a drop C is closed; the consumer must
// backfill via the query endpoint.
type Subscriber struct {
	C      <-chan Event
	id     uint64
	broker *Broker
}

// Cancel detaches the subscriber. Safe to call more than once.
func (s *Subscriber) Cancel() {
	if s == nil || s.broker == nil {
		return
	}
	s.broker.remove(s.id)
}

// Broker fans events out to the current subscriber set.
type Broker struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan Event
	buffer int
}

// New constructs a Broker with the default per-subscriber buffer.
func New() *Broker {
	return &Broker{subs: make(map[uint64]chan Event), buffer: defaultBuffer}
}

// NewWithBuffer constructs a Broker with a custom per-subscriber buffer.
func NewWithBuffer(buffer int) *Broker {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Broker{subs: make(map[uint64]chan Event), buffer: buffer}
}

// Subscribe registers a new subscriber.
func (b *Broker) Subscribe() *Subscriber {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()
	return &Subscriber{C: ch, id: id, broker: b}
}

// Publish delivers an event to all current subscribers without blocking the
// publisher. A subscriber whose buffer is full is dropped; with no
// subscribers the publish is a no-op. Delivery order matches publish order
// per subscriber while it stays attached.
func (b *Broker) Publish(event Event) {
	b.mu.Lock()
	var dropped []uint64
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			dropped = append(dropped, id)
		}
	}
	for _, id := range dropped {
		close(b.subs[id])
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if len(dropped) > 0 {
		log.WithField("count", len(dropped)).Warn("broker: dropped slow subscribers")
	}
}

// Len returns the current subscriber count.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// remove detaches and closes a subscriber channel if still present.
func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}
