// Package bus is the in-process publish/subscribe fabric connecting the
// event session, the balance router, and the flow orchestrator to their
// observers. Delivery is synchronous and in registration order; there are
// no guarantees beyond in-process, at-least-once-while-subscribed.
package bus

import "sync"

type Topic string

const (
	TopicBalanceChanged Topic = "balance.changed"
	TopicOrderChanged   Topic = "order.changed"
	TopicFiatDeposit    Topic = "deposit.fiat"
	TopicBridgeReceived Topic = "bridge.received"
	TopicSessionState   Topic = "session.state"
	TopicSessionFailed  Topic = "session.failed"
	TopicFlowOperation  Topic = "flow.operation"
	TopicFlowUpdated    Topic = "flow.updated"
)

type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus fans payloads out to handlers per topic. Subscribe and unsubscribe
// are safe while an emission is in progress; handlers added during an
// emit do not receive that emission.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscription
	nextID uint64
}

func New() *Bus {
	return &Bus{subs: make(map[Topic][]subscription)}
}

// On registers a handler and returns its unsubscribe function.
func (b *Bus) On(topic Topic, h Handler) (off func()) {
	if h == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})
	b.mu.Unlock()
	return func() { b.off(topic, id) }
}

func (b *Bus) off(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Emit delivers payload to every handler registered at the time of the
// call, synchronously, in registration order.
func (b *Bus) Emit(topic Topic, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()
	for _, s := range subs {
		s.handler(payload)
	}
}

// SubscriberCount reports how many handlers are registered for a topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
