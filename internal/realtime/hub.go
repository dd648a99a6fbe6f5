package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const subscriberBuffer = 256

type subscriber struct {
	filter Filter
	ch     chan Event
	cancel context.CancelFunc
}

// drop closes the channel and stops the subscription's ctx watcher.
// Callers hold h.mu.
func (h *Hub) drop(id int, sub *subscriber) {
	delete(h.subs, id)
	close(sub.ch)
	sub.cancel()
}

// Hub fans committed changes out to in-process subscribers.
// A subscriber that cannot keep up is dropped; its channel is closed and it is
// expected to resubscribe and reload.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

func (h *Hub) Subscribe(ctx context.Context, f Filter) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	sub := &subscriber{filter: f, ch: make(chan Event, subscriberBuffer), cancel: cancel}
	h.subs[id] = sub
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(id)
	}()
	return sub.ch, nil
}

func (h *Hub) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		h.drop(id, sub)
	}
}

func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if !sub.filter.Match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			log.Warn().Int("subscriber", id).Str("table", e.Table).Msg("Realtime subscriber is lagging, dropping it")
			h.drop(id, sub)
		}
	}
}

// DropAll closes every subscription, as a transport reset would.
func (h *Hub) DropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		h.drop(id, sub)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
