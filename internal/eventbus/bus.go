// Package eventbus implements an in-process typed publish/subscribe bus.
//
// Producers and consumers never reference each other directly: components
// publish by topic name and hold only a *Bus handle, never a back-reference
// to their subscribers (see design notes on cyclic references).
package eventbus

import "sync"

// Handler receives a published event. It must not block for long; the
// publisher invokes handlers synchronously, in subscription order.
type Handler func(event any)

// Unsubscribe removes a previously registered handler. Safe to call more
// than once; the second call is a no-op.
type Unsubscribe func()

// Bus is an in-process typed pub/sub by topic name.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscriber
	seq  uint64
}

type subscriber struct {
	id      uint64
	handler Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]*subscriber)}
}

// Subscribe registers handler for topic and returns a closure that removes
// it. Subscriber lifetime is bounded by the caller holding (and eventually
// calling) the returned Unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler) Unsubscribe {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[topic] = append(b.subs[topic], &subscriber{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[topic]
	for i, s := range list {
		if s.id == id {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Publish invokes every handler currently subscribed to topic with event.
// The subscriber list is copied and the lock released before handlers run,
// so a handler may itself Subscribe or Publish without deadlocking.
func (b *Bus) Publish(topic string, event any) {
	b.mu.RLock()
	list := make([]*subscriber, len(b.subs[topic]))
	copy(list, b.subs[topic])
	b.mu.RUnlock()

	for _, s := range list {
		s.handler(event)
	}
}

// SubscriberCount returns the number of handlers currently registered for
// topic. Intended for tests and diagnostics.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
