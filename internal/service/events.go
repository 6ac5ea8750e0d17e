package service

import (
	"sync"
	"time"

	"peerchat/internal/constants"
	"peerchat/internal/models"
)

// EventKind names a ledger change.
type EventKind string

const (
	EventReceived  EventKind = "received"
	EventDelivered EventKind = "delivered"
	EventFailed    EventKind = "failed"
	EventScheduled EventKind = "scheduled"
	EventPublished EventKind = "published"
)

// Event is a ledger change pushed to observers such as the admin websocket.
type Event struct {
	Kind      EventKind            `json:"kind"`
	MessageID int64                `json:"message_id,omitempty"`
	Sender    string               `json:"sender,omitempty"`
	Receiver  string               `json:"receiver,omitempty"`
	Topic     string               `json:"topic,omitempty"`
	Status    models.MessageStatus `json:"status,omitempty"`
	Body      string               `json:"message,omitempty"`
	Time      time.Time            `json:"time"`
}

// EventHub fans events out to subscribers. Slow subscribers lose events
// rather than blocking the delivery path. A nil hub drops everything.
type EventHub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
	buffer int
}

func NewEventHub() *EventHub {
	return &EventHub{
		subs:   make(map[int]chan Event),
		buffer: constants.DefaultEventBufferSize,
	}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes it.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber that has room for it.
func (h *EventHub) Publish(e Event) {
	if h == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of active subscribers.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
