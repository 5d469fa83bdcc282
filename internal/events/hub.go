// Package events provides a small generic broadcast hub used to expose live
// pipeline state (stage transitions, outbound call records) to any number of
// observers such as the WebSocket event stream.
//
// Publishing never blocks: each subscriber owns a buffered channel and events
// that do not fit are dropped for that subscriber only. Observers that need a
// consistent view should combine the stream with a snapshot.
package events

import "sync"

// defaultBuffer is the per-subscriber channel capacity.
const defaultBuffer = 64

// Hub fans out published values of type T to all current subscribers.
// All methods are safe for concurrent use.
type Hub[T any] struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]chan T
	dropped uint64
	buffer  int
}

// NewHub returns an empty hub. buffer sets the per-subscriber channel
// capacity; values <= 0 select a default of 64.
func NewHub[T any](buffer int) *Hub[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub[T]{
		subs:   make(map[uint64]chan T),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned cancel function removes
// the subscription and closes the channel; it is idempotent.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan T, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Publish delivers v to every subscriber whose buffer has room.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
			h.dropped++
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (h *Hub[T]) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns the total number of deliveries skipped because a
// subscriber's buffer was full.
func (h *Hub[T]) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close removes and closes every subscription.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
