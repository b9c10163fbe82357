package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"studioSync/backend/internal/cache"
	"studioSync/backend/internal/protocol"
)

var ErrUnauthenticated = errors.New("UNAUTHENTICATED")

// presenceTTL outlives one ping period so a healthy editor never flickers offline.
const presenceTTL = 2 * pongWait

// Hub is the registry of live subscribers and the dispatcher that fans events out to
// them. It owns every subscriber's topic binding; nothing else writes it.
type Hub struct {
	// presence may be nil (no Redis configured).
	presence cache.PresenceCache

	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	// recordDayID -> subscribers bound to it. A subscriber is in at most one room.
	rooms map[string]map[*Subscriber]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{
		presence:    p,
		subscribers: make(map[*Subscriber]struct{}),
		rooms:       make(map[string]map[*Subscriber]struct{}),
	}
}

// Register adds a freshly accepted connection, with no topic.
func (h *Hub) Register(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[s] = struct{}{}
}

// Unregister removes the subscriber unconditionally. Messages still queued for it are
// dropped with it.
func (h *Hub) Unregister(s *Subscriber) {
	h.mu.Lock()
	_, known := h.subscribers[s]
	delete(h.subscribers, s)
	old := h.unbindLocked(s)
	h.mu.Unlock()

	if known && old != "" {
		h.leavePresence(old, s)
	}
}

// Subscribe binds s to recordDayID, replacing any earlier binding without error.
// Unauthenticated subscribers are refused and keep whatever binding they had (none).
func (h *Hub) Subscribe(s *Subscriber, recordDayID string) error {
	if !s.authenticated {
		return ErrUnauthenticated
	}

	h.mu.Lock()
	if _, ok := h.subscribers[s]; !ok {
		h.mu.Unlock()
		return errors.New("subscriber not registered")
	}
	old := h.unbindLocked(s)
	if h.rooms[recordDayID] == nil {
		h.rooms[recordDayID] = make(map[*Subscriber]struct{})
	}
	h.rooms[recordDayID][s] = struct{}{}
	s.topic = recordDayID
	h.mu.Unlock()

	if old != "" && old != recordDayID {
		h.leavePresence(old, s)
	}
	h.touchPresence(recordDayID, s)
	return nil
}

// Topic returns the record day s is bound to, or "".
func (h *Hub) Topic(s *Subscriber) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return s.topic
}

// BroadcastUpdate delivers evt to every authenticated subscriber of evt.Topic, the
// editor who made the change included. It returns how many sends were queued.
func (h *Hub) BroadcastUpdate(evt protocol.UpdateEvent) int {
	return h.broadcast(evt.Topic, protocol.Update(evt))
}

// BroadcastRefresh tells every authenticated subscriber of recordDayID to re-fetch.
func (h *Hub) BroadcastRefresh(recordDayID string) int {
	return h.broadcast(recordDayID, protocol.Refresh(recordDayID))
}

func (h *Hub) broadcast(recordDayID string, msg protocol.Message) int {
	targets := h.targets(recordDayID)
	sent := 0
	for _, s := range targets {
		// Each send is independent; a full queue only costs that subscriber.
		if s.Enqueue(msg) {
			sent++
		}
	}
	return sent
}

// targets copies the room so sends happen without holding the lock.
func (h *Hub) targets(recordDayID string) []*Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[recordDayID]
	out := make([]*Subscriber, 0, len(room))
	for s := range room {
		if s.authenticated {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Each calls fn for a snapshot of the live subscribers.
func (h *Hub) Each(fn func(s *Subscriber)) {
	h.mu.RLock()
	all := make([]*Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		all = append(all, s)
	}
	h.mu.RUnlock()
	for _, s := range all {
		fn(s)
	}
}

// Editors lists who has recordDayID open. Without presence storage it answers from
// this instance's registry only.
func (h *Hub) Editors(ctx context.Context, recordDayID string) ([]cache.PresenceMember, error) {
	if h.presence != nil {
		return h.presence.GetAliveMembers(ctx, recordDayID)
	}
	var members []cache.PresenceMember
	for _, s := range h.targets(recordDayID) {
		members = append(members, cache.PresenceMember{SubscriberID: s.id, Username: s.username})
	}
	return members, nil
}

func (h *Hub) unbindLocked(s *Subscriber) string {
	old := s.topic
	if old == "" {
		return ""
	}
	if room, ok := h.rooms[old]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, old)
		}
	}
	s.topic = ""
	return old
}

// touchPresence is called on subscribe and on every pong.
func (h *Hub) touchPresence(recordDayID string, s *Subscriber) {
	if h.presence == nil || recordDayID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.AddMember(ctx, recordDayID, s.id, s.username, presenceTTL); err != nil {
		log.Printf("presence add failed (subscriber=%s, recordDay=%s): %v", s.id, recordDayID, err)
	}
}

func (h *Hub) leavePresence(recordDayID string, s *Subscriber) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.presence.RemoveMember(ctx, recordDayID, s.id); err != nil {
		log.Printf("presence remove failed (subscriber=%s, recordDay=%s): %v", s.id, recordDayID, err)
	}
}
