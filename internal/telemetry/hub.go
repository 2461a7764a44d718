package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber channel depth. A subscriber that falls
// this far behind starts losing records.
const DefaultBuffer = 256

// Hub fans records out to any number of subscribers. Publishing never
// blocks: records for a full subscriber are dropped and counted.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]chan Record
	closed      bool
	buffer      int
	dropped     atomic.Uint64
}

// NewHub returns an empty hub. buffer <= 0 selects DefaultBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subscribers: make(map[string]chan Record),
		buffer:      buffer,
	}
}

// Subscribe registers a new receiver. The channel is closed by Unsubscribe
// or Close.
func (h *Hub) Subscribe() (string, <-chan Record) {
	id := uuid.NewString()
	ch := make(chan Record, h.buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber. Unknown ids are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Publish delivers records in order to every subscriber with room for them.
func (h *Hub) Publish(records ...Record) {
	if len(records) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, ch := range h.subscribers {
		for _, r := range records {
			select {
			case ch <- r:
			default:
				if n := h.dropped.Add(1); n == 1 || n%1000 == 0 {
					opsf("subscriber %s is not keeping up; %d records dropped so far", id, n)
				}
			}
		}
	}
	for _, r := range records {
		tracef("%s", r.Line())
	}
}

// Dropped is the total number of records discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Len is the number of current subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
	diagf("hub closed")
}
