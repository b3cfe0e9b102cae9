package engine

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each subscriber. Updates are
// dropped for a subscriber this far behind rather than blocking the fan-out.
const subscriberBufferSize = 16

// StatusUpdate is one lifecycle event for an order, shaped for direct JSON
// delivery to subscribers.
type StatusUpdate struct {
	OrderID   string         `json:"orderId"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Broker fans lifecycle updates out to per-order subscriber sets. It is an
// explicitly constructed, owned instance passed to collaborators, and is safe
// for concurrent use.
//
// There is no replay buffer: subscribers receive the snapshot passed to
// Subscribe and whatever is published while they are registered. Closed
// topics are retained as markers so a subscriber arriving after an order
// finished gets its snapshot followed by a closed channel instead of a stream
// that never ends. Each marker is a few bytes.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan StatusUpdate
	nextID int
	closed bool
}

// NewBroker creates a broker with no subscribers.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe registers a channel under the order's subscriber set and
// immediately delivers snapshot on it, so late joiners are caught up with the
// order's current persisted status. The returned function deregisters the
// channel; once an order's subscriber set empties, its entry is removed.
//
// If the order's topic was already closed, the channel carries the snapshot
// and is then closed.
func (b *Broker) Subscribe(orderID string, snapshot StatusUpdate) (<-chan StatusUpdate, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[orderID]
	if !ok {
		t = &topic{subs: make(map[int]chan StatusUpdate)}
		b.topics[orderID] = t
	}

	ch := make(chan StatusUpdate, subscriberBufferSize)
	ch <- snapshot
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
		if len(t.subs) == 0 && !t.closed {
			delete(b.topics, orderID)
		}
	}
}

// Publish delivers the update to every channel registered for its order id.
// A no-op when there are none. Delivery is non-blocking per channel, so one
// stalled subscriber cannot delay or fail the others.
func (b *Broker) Publish(u StatusUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[u.OrderID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- u:
		default:
			// Drop for slow subscribers; the subscribe-time snapshot is the
			// only recovery mechanism.
		}
	}
}

// Close signals that no more updates will be published for the order. All
// subscriber channels are closed and future Subscribe calls get a snapshot
// followed by a closed channel.
func (b *Broker) Close(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[orderID]
	if !ok {
		b.topics[orderID] = &topic{subs: make(map[int]chan StatusUpdate), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// ActiveConnectionCount returns the total number of registered subscriber
// channels across all orders.
func (b *Broker) ActiveConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, t := range b.topics {
		n += len(t.subs)
	}
	return n
}
