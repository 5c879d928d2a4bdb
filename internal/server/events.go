// Copyright (c) 2025 Jesse Hall
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import "sync"

// =============================================================================
// EVENT HUB
// =============================================================================

// Event is one entry of the /events stream.
type Event struct {
	Name string `json:"-"`
	Data any    `json:"data,omitempty"`
}

// Event names published by the hub.
const (
	EventStoreChanged      = "store-changed"
	EventConnectionChanged = "connection-changed"
	EventCycleStarted      = "cycle-started"
	EventCycleEnded        = "cycle-ended"
)

// Hub fans events out to connected /events subscribers. A slow subscriber
// drops events rather than blocking the publishers.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a new event channel; the returned function removes
// it and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, 64)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// cycleEndedData is the payload of a cycle-ended event.
type cycleEndedData struct {
	ChatID string `json:"chatId"`
	Error  string `json:"error,omitempty"`
}

// CycleStarted implements the orchestrator listener.
func (h *Hub) CycleStarted(chatID string) {
	h.Publish(Event{Name: EventCycleStarted, Data: map[string]string{"chatId": chatID}})
}

// CycleEnded implements the orchestrator listener.
func (h *Hub) CycleEnded(chatID string, err error) {
	data := cycleEndedData{ChatID: chatID}
	if err != nil {
		data.Error = err.Error()
	}
	h.Publish(Event{Name: EventCycleEnded, Data: data})
}
