package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans payloads out to subscribers grouped by key.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[Subscriber]struct{}
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[Subscriber]struct{})}
}

// Register adds a client under key and reports whether it is the first one.
func (h *Hub) Register(key string, client Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[key]
	if !ok {
		clients = make(map[Subscriber]struct{})
		h.clients[key] = clients
	}
	clients[client] = struct{}{}
	return len(clients) == 1
}

// Unregister removes a client and reports whether it was the last one of key.
func (h *Hub) Unregister(key string, client Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.clients[key]
	if _, ok := clients[client]; !ok {
		return false
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, key)
		return true
	}
	return false
}

// Broadcast sends payload to every client of key. Clients failing the write
// are closed and dropped. It returns the number of successful deliveries.
func (h *Hub) Broadcast(key string, payload []byte) int {
	delivered := 0
	for _, c := range h.snapshot(key) {
		if err := c.Send(payload); err != nil {
			c.Close()
			h.Unregister(key, c)
			continue
		}
		delivered++
	}
	return delivered
}

// CloseAll closes and drops every client of key.
func (h *Hub) CloseAll(key string) {
	h.mu.Lock()
	clients := h.clients[key]
	delete(h.clients, key)
	h.mu.Unlock()
	for c := range clients {
		c.Close()
	}
}

// Count returns the number of clients registered under key.
func (h *Hub) Count(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[key])
}

func (h *Hub) snapshot(key string) []Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Subscriber, 0, len(h.clients[key]))
	for c := range h.clients[key] {
		out = append(out, c)
	}
	return out
}
