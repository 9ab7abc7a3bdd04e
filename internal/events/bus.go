// Package events provides the in-process pub/sub bus that links the
// dispatcher, reconciler, notifier, and the API event stream.
package events

import (
	"sync"
	"sync/atomic"
)

// Bus fans published payloads out to per-topic subscriber queues. Delivery
// is best-effort: a subscriber that stops draining its channel loses
// messages rather than stalling publishers, and the loss is counted.
type Bus struct {
	mu      sync.RWMutex
	closed  bool
	nextID  uint64
	subs    map[Event]map[uint64]chan any
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event]map[uint64]chan any)}
}

// Subscribe registers a buffered listener for one topic. The returned stop
// function detaches the listener and closes its channel; calling it more
// than once is safe.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	if b.subs[e] == nil {
		b.subs[e] = make(map[uint64]chan any)
	}
	b.subs[e][id] = ch

	var once sync.Once
	stop := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[e][id]; ok {
				delete(b.subs[e], id)
				close(sub)
			}
		})
	}
	return ch, stop
}

// Publish delivers the payload to every subscriber of the topic without
// blocking; full queues count as drops.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many payloads were lost to slow subscribers since
// startup.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close detaches and closes every subscriber; later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
}
