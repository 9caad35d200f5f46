// Package events fans out room-level change notifications to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Type string

const (
	MessageCreated     Type = "message.created"
	MessageContent     Type = "message.content"
	MessageSummary     Type = "message.summary"
	MessageUpdated     Type = "message.updated"
	MessageDeleted     Type = "message.deleted"
	GenerationStarted  Type = "generation.started"
	GenerationFinished Type = "generation.finished"
	RoomRenamed        Type = "room.renamed"
)

// Event is one notification. Data is JSON-serializable.
type Event struct {
	Type      Type      `json:"type"`
	RoomID    string    `json:"room_id"`
	MessageID string    `json:"message_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher is implemented by Hub; components depend on this narrow view.
type Publisher interface {
	Publish(ev Event)
}

// Nop discards all events.
type Nop struct{}

func (Nop) Publish(Event) {}

const (
	defaultBuffer    = 64
	defaultDeltaWait = time.Second
)

// Hub delivers events to per-room subscribers. Content and summary deltas
// wait up to deltaWait for a full subscriber; every other event is dropped
// rather than block publishers. A subscriber that still misses a delta
// recovers the full text from the message itself.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscription]struct{}
	buffer    int
	deltaWait time.Duration
}

type Subscription struct {
	roomID string
	ch     chan Event
	hub    *Hub
	once   sync.Once
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer, deltaWait: defaultDeltaWait}
}

// Subscribe registers interest in roomID. Call Close when done.
func (h *Hub) Subscribe(roomID string) *Subscription {
	sub := &Subscription{roomID: roomID, ch: make(chan Event, h.buffer), hub: h}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[roomID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[roomID] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.RoomID] {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		if ev.isDelta() && h.deltaWait > 0 {
			timer := time.NewTimer(h.deltaWait)
			select {
			case sub.ch <- ev:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}
		log.Debug().Str("room_id", ev.RoomID).Str("type", string(ev.Type)).Msg("event dropped for slow subscriber")
	}
}

func (ev Event) isDelta() bool {
	return ev.Type == MessageContent || ev.Type == MessageSummary
}

// Events returns the delivery channel; it is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		if set, ok := s.hub.subs[s.roomID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.roomID)
			}
		}
		close(s.ch)
	})
}
