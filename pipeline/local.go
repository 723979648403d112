package pipeline

import (
	"sync"

	"github.com/google/uuid"
)

// Hub joins the channels of one process instance, usually one device
// server. An input and an output attached to the same Hub hand chunks over
// in memory and only the control frames travel on the socket. Channels
// without a Hub always serialize.
type Hub struct {
	token string

	mu     sync.Mutex
	chunks map[string]parked
	owners map[string]map[string]struct{}
}

type parked struct {
	owner   string
	records []Record
}

// NewHub creates a Hub with a fresh token.
func NewHub() *Hub {
	return &Hub{
		token:  uuid.NewString(),
		chunks: map[string]parked{},
		owners: map[string]map[string]struct{}{},
	}
}

// Token identifies the Hub in the hello handshake. A nil Hub has none.
func (h *Hub) Token() string {
	if h == nil {
		return ""
	}
	return h.token
}

// local reports whether token names this Hub.
func (h *Hub) local(token string) bool {
	return h != nil && token != "" && token == h.token
}

// park stores records for the consumer owner until an input takes them.
func (h *Hub) park(owner string, records []Record) string {
	id := uuid.NewString()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chunks[id] = parked{owner: owner, records: records}
	ids := h.owners[owner]
	if ids == nil {
		ids = map[string]struct{}{}
		h.owners[owner] = ids
	}
	ids[id] = struct{}{}
	return id
}

// take removes the chunk id.
func (h *Hub) take(id string) ([]Record, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.chunks[id]
	if !ok {
		return nil, false
	}
	delete(h.chunks, id)
	if ids := h.owners[p.owner]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(h.owners, p.owner)
		}
	}
	return p.records, true
}

// evict drops the chunks parked for owner that no input took and returns
// how many there were.
func (h *Hub) evict(owner string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := h.owners[owner]
	for id := range ids {
		delete(h.chunks, id)
	}
	delete(h.owners, owner)
	return len(ids)
}

// Pending returns the number of parked chunks.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chunks)
}
