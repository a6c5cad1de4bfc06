// Package stream fans keyed state updates out to subscribers.
//
// Every event carries full state, so a subscriber that falls behind only
// needs the newest value: when a mailbox is full the oldest pending value
// is discarded in favour of the new one. Subscribe delivers the initial
// state first; callers that want "no gap, no duplicate" semantics must
// call Subscribe and Publish under the same lock that guards the state.
package stream

import "sync"

// DefaultBuffer is the mailbox size used when New is given a non-positive size.
const DefaultBuffer = 16

type Subscription[V any] struct {
	// C receives the initial state followed by every later update.
	// It is closed when the subscription ends.
	C <-chan V

	ch     chan V
	mu     sync.Mutex
	closed bool
	detach func()
	once   sync.Once
}

// Close stops delivery and closes C. It is safe to call more than once.
func (s *Subscription[V]) Close() error {
	s.once.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
	return nil
}

func (s *Subscription[V]) deliver(v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

type Hub[K comparable, V any] struct {
	mu     sync.Mutex
	subs   map[K]map[*Subscription[V]]struct{}
	buffer int
}

func New[K comparable, V any](buffer int) *Hub[K, V] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub[K, V]{
		subs:   make(map[K]map[*Subscription[V]]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber for key and queues initial as its first value.
func (h *Hub[K, V]) Subscribe(key K, initial V) *Subscription[V] {
	ch := make(chan V, h.buffer)
	sub := &Subscription[V]{C: ch, ch: ch}
	sub.detach = func() { h.remove(key, sub) }
	sub.deliver(initial)

	h.mu.Lock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*Subscription[V]]struct{})
		h.subs[key] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return sub
}

// Publish sends v to every subscriber of key without blocking.
func (h *Hub[K, V]) Publish(key K, v V) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[key] {
		sub.deliver(v)
	}
}

// Count returns the number of live subscribers for key.
func (h *Hub[K, V]) Count(key K) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

func (h *Hub[K, V]) remove(key K, sub *Subscription[V]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[key]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, key)
	}
}
