package realtime

import (
	"context"
	"log/slog"
	"sync"
)

// BufferSize is the number of undelivered events a subscription holds before
// new events are dropped.
const BufferSize = 64

// Hub is an in-process Feed. Publish fans events out to every matching
// subscription without blocking.
type Hub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[uint64]*hubSub
	next uint64
}

type hubSub struct {
	filter Filter
	ch     chan Event
}

// NewHub returns a hub with no subscriptions.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[uint64]*hubSub),
	}
}

// Publish delivers e to the matching subscriptions.
func (h *Hub) Publish(_ context.Context, e Event) error {
	h.Dispatch(e)
	return nil
}

// Dispatch delivers e to the matching subscriptions. A subscription whose
// buffer is full misses the event.
func (h *Hub) Dispatch(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs {
		if !s.filter.Match(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.logger.Warn("Dropped realtime event", "table", e.Table, "conversation_id", e.ConversationID)
		}
	}
}

// Subscribe registers a subscription for the events matching f.
func (h *Hub) Subscribe(_ context.Context, f Filter) (*Subscription, error) {
	ch := make(chan Event, BufferSize)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = &hubSub{filter: f, ch: ch}
	h.mu.Unlock()

	return NewSubscription(ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}), nil
}

// Len returns the number of open subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
