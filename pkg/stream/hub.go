// Package stream fans admitted events out to live websocket subscribers.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

type Event struct {
	Type   string          `json:"type"`
	At     string          `json:"at"`
	Tenant string          `json:"-"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event for tenant; an empty tenant reaches every subscriber.
func NewEvent(eventType, tenant string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Tenant: tenant, Data: raw}
}

type Subscription struct {
	C      chan Event
	tenant string
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscription]struct{}{}}
}

// Subscribe receives events of one tenant; an empty tenant receives all of them.
func (h *Hub) Subscribe(tenant string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &Subscription{C: make(chan Event, buffer), tenant: tenant}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, exists := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if exists {
		close(sub.C)
	}
}

// Publish never blocks; a full subscriber misses the event.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.tenant != "" && evt.Tenant != "" && sub.tenant != evt.Tenant {
			continue
		}
		select {
		case sub.C <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() int64 { return h.dropped.Load() }
