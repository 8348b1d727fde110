package mux

import (
	"log"
	"sync"
	"time"
)

type EventType string

const (
	EventStarted  EventType = "started"
	EventChunk    EventType = "chunk"
	EventFinished EventType = "finished"
	EventError    EventType = "error"
	// EventAllIdle fires when the last in-flight request of any session ends.
	EventAllIdle EventType = "all_idle"
)

// Event is one lifecycle notification. Within a session, started precedes every
// chunk, and at most one finished or error follows them.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Attempt   string    `json:"attempt,omitempty"`
	Delta     string    `json:"delta,omitempty"`
	// Text is the full reply, set on finished.
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
	// Kind classifies an error: "configuration", "decode" or a transport kind.
	Kind string    `json:"kind,omitempty"`
	At   time.Time `json:"ts"`
}

// Sink receives every event. Publish is called while the session is locked
// and must not block.
type Sink interface {
	Publish(ev Event)
}

// Hub fans events out to in-process subscribers.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]*subscriber
}

type subscriber struct {
	sessionID string
	ch        chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel of the events of sessionID, or of every event
// when sessionID is empty. The returned func unsubscribes and closes the channel.
func (h *Hub) Subscribe(sessionID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &subscriber{sessionID: sessionID, ch: make(chan Event, buffer)}

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish never blocks: a subscriber whose buffer is full loses the event.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Printf("[mux] subscriber lagging, dropped %s event session=%s", ev.Type, ev.SessionID)
		}
	}
}
