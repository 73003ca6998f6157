package events

import (
	"context"
	"log/slog"
	"sync"
)

const DefaultBuffer = 256

// Hub is an in-process publisher and subscriber. Every subscription owns a
// buffered queue; a subscriber that falls a full buffer behind is dropped and
// its channel closed, publishers never block on a slow view.
type Hub struct {
	mu     sync.RWMutex
	pubMu  sync.Mutex
	subs   map[*hubSub]struct{}
	buffer int
	log    *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[*hubSub]struct{}),
		buffer: DefaultBuffer,
		log:    log.With("component", "events.hub"),
	}
}

// WithBuffer sets the per-subscription queue length for new subscriptions.
func (h *Hub) WithBuffer(n int) *Hub {
	if n > 0 {
		h.buffer = n
	}
	return h
}

var (
	_ Publisher  = (*Hub)(nil)
	_ Subscriber = (*Hub)(nil)
)

func (h *Hub) Publish(_ context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	// one publisher at a time keeps a single global order across subscribers
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	var overflow []*hubSub
	h.mu.RLock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			overflow = append(overflow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range overflow {
		h.log.Warn("subscriber fell behind, dropping it", "buffer", cap(s.ch))
		h.remove(s)
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &hubSub{hub: h, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.log.Debug("subscriber attached", "subscribers", n)
	return s, nil
}

// Len reports the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(s *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.ch)
}

type hubSub struct {
	hub *Hub
	ch  chan Event
}

func (s *hubSub) Events() <-chan Event { return s.ch }

func (s *hubSub) Close() error {
	s.hub.remove(s)
	return nil
}
