package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the broker.
const (
	FormAdded        = "form.added"
	FormAcquired     = "form.acquired"
	FormUpdated      = "form.updated"
	FormDeleted      = "form.deleted"
	FormReleased     = "form.released"
	FormVisible      = "form.visible"
	FormError        = "form.error"
	HostDied         = "host.died"
	ConnectionFailed = "connection.failed"
	RefreshRun       = "refresh.run"
	PublishStaged    = "publish.staged"
	HostPush         = "host.push"
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	Host string    `json:"host,omitempty"` // empty for broadcast events
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Visible reports whether a subscriber scoped to host should see ev.
// An empty host sees everything.
func (ev Event) Visible(host string) bool {
	return host == "" || ev.Host == "" || ev.Host == host
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish broadcasts an event to every subscriber.
func (h *Hub) Publish(eventType string, data any) {
	h.PublishHost("", eventType, data)
}

// PublishHost publishes an event addressed to one host. Host-scoped
// subscribers for other hosts never see it.
func (h *Hub) PublishHost(host, eventType string, data any) {
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		Host: host,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Don't let slow clients block producers.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
