package notify

import (
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is the channel size of each subscriber.
const DefaultSubscriberBuffer = 16

// Hub fans status updates out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the update.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan StatusUpdate
	nextID      uint64
	bufferSize  int
	last        *StatusUpdate

	published uint64
	dropped   uint64
}

// NewHub creates a hub; bufferSize <= 0 uses DefaultSubscriberBuffer.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Hub{
		subscribers: make(map[uint64]chan StatusUpdate),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a subscriber. The latest update, if any, is queued
// immediately. The returned cancel func closes the channel.
func (h *Hub) Subscribe() (<-chan StatusUpdate, func()) {
	ch := make(chan StatusUpdate, h.bufferSize)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch
	if h.last != nil {
		ch <- *h.last
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subscribers[id]; ok {
				delete(h.subscribers, id)
				close(c)
			}
		})
	}
}

// Publish delivers u to every subscriber without blocking.
func (h *Hub) Publish(u StatusUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.last = &u
	atomic.AddUint64(&h.published, 1)
	for _, ch := range h.subscribers {
		select {
		case ch <- u:
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

// Last returns the most recent update.
func (h *Hub) Last() (StatusUpdate, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return StatusUpdate{}, false
	}
	return *h.last, true
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Stats returns the published and dropped counters.
func (h *Hub) Stats() (published, dropped uint64) {
	return atomic.LoadUint64(&h.published), atomic.LoadUint64(&h.dropped)
}

// Close closes every subscriber channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
