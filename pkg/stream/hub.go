// Package stream fans application events out to admin dashboard
// websocket subscribers. Registrations, payments and console activity
// are published here so the dashboard updates without polling.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event types published by the server.
const (
	TypeUserRegistered   = "user_registered"
	TypePaymentSucceeded = "payment_succeeded"
	TypeConsoleExecuted  = "console_executed"
	TypeListingDegraded  = "listing_degraded"
)

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub broadcasts events to subscribers and keeps a short replay buffer
// so a dashboard that connects late still sees recent activity.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	recent []Event
	keep   int
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}, keep: 64}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish delivers evt to every subscriber without blocking; a slow
// subscriber whose buffer is full drops the event.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	h.recent = append(h.recent, evt)
	if len(h.recent) > h.keep {
		h.recent = h.recent[len(h.recent)-h.keep:]
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Recent returns a copy of the replay buffer, oldest first.
func (h *Hub) Recent() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Event, len(h.recent))
	copy(out, h.recent)
	return out
}
