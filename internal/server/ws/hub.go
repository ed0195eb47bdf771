package wsserver

import (
	"context"
	"sync"

	"github.com/tidewave/strand/internal/transport"
)

// Hub tracks live connections and implements transport.Sender over them. The
// dispatcher pushes through the hub; a push to a connection the hub no longer
// holds fails with ErrConnectionGone, which is the signal that tears the
// connection's durable state down.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*connection
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: map[string]*connection{}}
}

func (h *Hub) add(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

func (h *Hub) get(id string) *connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

// Send implements transport.Sender.
func (h *Hub) Send(ctx context.Context, connectionID string, payload []byte) error {
	c := h.get(connectionID)
	if c == nil {
		return transport.ErrConnectionGone
	}
	return c.enqueue(payload)
}
