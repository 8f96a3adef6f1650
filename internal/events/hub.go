package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/restaurant-orderflow/internal/orders"
)

// Event is one order change pushed to admin listeners.
type Event struct {
	Type  string        `json:"type"`
	Order *orders.Order `json:"order"`
	At    time.Time     `json:"at"`
}

// Hub fans order events out to subscribers. A subscriber that falls behind
// loses events rather than blocking the order path.
type Hub struct {
	log     logrus.FieldLogger
	buffer  int
	dropped atomic.Int64

	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub(buffer int, log logrus.FieldLogger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{log: log, buffer: buffer, subs: map[chan Event]struct{}{}}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast implements orders.Broadcaster.
func (h *Hub) Broadcast(event string, order *orders.Order) {
	ev := Event{Type: event, Order: order, At: time.Now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
			h.log.WithFields(logrus.Fields{"event": event, "order_id": order.ID}).Warn("admin listener too slow; event dropped")
		}
	}
}

// Subscribers reports the number of live listeners.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many deliveries were skipped for slow listeners.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
