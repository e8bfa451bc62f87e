package transport

import (
	"log/slog"
	"sync"

	"github.com/acphast/acphast/pkg/acp"
)

// sseClientBuffer bounds how many notifications a slow SSE client may lag
// behind before new ones are dropped for it.
const sseClientBuffer = 32

// sseHub routes notifications to SSE subscribers keyed by request id. A key
// may have several subscribers; each gets every notification.
type sseHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]map[chan *acp.Notification]struct{}
}

func newSSEHub(logger *slog.Logger) *sseHub {
	return &sseHub{
		logger:  logger,
		clients: make(map[string]map[chan *acp.Notification]struct{}),
	}
}

func (h *sseHub) subscribe(key string) chan *acp.Notification {
	ch := make(chan *acp.Notification, sseClientBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[key] == nil {
		h.clients[key] = make(map[chan *acp.Notification]struct{})
	}
	h.clients[key][ch] = struct{}{}
	sseClients.Inc()
	return ch
}

func (h *sseHub) unsubscribe(key string, ch chan *acp.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.clients[key]
	if !ok {
		return
	}
	if _, present := subs[ch]; !present {
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(h.clients, key)
	}
	sseClients.Dec()
}

// publish delivers to every subscriber of key in FIFO per subscriber. A full
// subscriber buffer drops the notification for that subscriber only.
func (h *sseHub) publish(key string, note *acp.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients[key] {
		select {
		case ch <- note:
		default:
			h.logger.Warn("sse client buffer full, dropping notification", "request_id", key)
		}
	}
}

func (h *sseHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, subs := range h.clients {
		n += len(subs)
	}
	return n
}
