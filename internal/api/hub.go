package api

import (
	"encoding/json"
	"sync"

	"failmon/internal/metrics"
	"failmon/internal/models"
)

// subscriberBuffer is how many frames a feed subscriber may fall behind
// before it is dropped.
const subscriberBuffer = 64

// Hub fans admitted events out to live-feed subscribers. Delivery is
// best-effort and at-most-once: a subscriber whose buffer is full is
// dropped and its channel closed, never waited on.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Subscribe attaches a new feed client. Only events published after the
// subscription are delivered; there is no replay.
func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[ch]; ok {
		delete(h.subscribers, ch)
		close(ch)
	}
}

// Publish sends one event to every subscriber. Per-subscriber order is the
// publish order; a slow subscriber is disconnected rather than blocking
// the ingest path.
func (h *Hub) Publish(ev models.FeedEvent) {
	msg, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- msg:
		default:
			delete(h.subscribers, ch)
			close(ch)
			metrics.MetricFeedDropped.Inc()
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
