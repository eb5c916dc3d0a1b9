package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/mindrace/internal/audit"
	"github.com/banshee-data/mindrace/internal/race"
	"github.com/banshee-data/mindrace/internal/rarity"
)

// EventKind names what happened.
type EventKind string

const (
	EventTick    EventKind = "tick"
	EventWinner  EventKind = "winner"
	EventAnomaly EventKind = "anomaly"
	EventReset   EventKind = "reset"
)

// Event is delivered to subscribers after the state change it describes has
// been committed.
type Event struct {
	Kind      EventKind              `json:"kind"`
	SessionID string                 `json:"session_id"`
	Time      time.Time              `json:"time"`
	Tick      uint64                 `json:"tick"`
	Winner    race.Winner            `json:"winner"`
	Result    *race.TickResult       `json:"result,omitempty"`
	Lanes     *[2]rarity.LaneOutcome `json:"lanes,omitempty"`
	Live      bool                   `json:"live"`
	Anomaly   *audit.Anomaly         `json:"anomaly,omitempty"`
}

// DefaultSubscriberBuffer is the channel capacity Subscribe uses when asked
// for zero.
const DefaultSubscriberBuffer = 16

// Hub fans events out to subscribers without ever blocking the publisher: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]chan Event
	dropped map[string]int
	closing bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]chan Event), dropped: make(map[string]int)}
}

// Subscribe registers a new subscriber. The channel is closed by Unsubscribe
// or Close.
func (h *Hub) Subscribe(buffer int) (string, <-chan Event) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	id := uuid.NewString()
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		close(ch)
		return id, ch
	}
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
		delete(h.dropped, id)
	}
}

// Publish delivers e to every subscriber that has room.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.dropped[id]++
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many events subscriber id has missed.
func (h *Hub) Dropped(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped[id]
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return
	}
	h.closing = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
