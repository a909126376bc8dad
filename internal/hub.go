package internal

import (
	"fmt"
	"log/slog"
	"sync"
)

// Channel keys: one namespace for per-room fan-out, another for per-user
// notification channels, mirroring the event protocol's room_<id>/user_<id>
// convention.
func roomChannel(roomID int64) string { return fmt.Sprintf("room_%d", roomID) }
func userChannel(userID int64) string { return fmt.Sprintf("user_%d", userID) }

// Hub maps channel keys to the connections subscribed to them and owns the
// broadcast primitive. Recipient sets are always computed explicitly and
// passed to Send; there is no include/exclude flag threaded through call
// sites.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Conn]struct{}
	conns    map[*Conn]struct{}
	log      *slog.Logger
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		channels: make(map[string]map[*Conn]struct{}),
		conns:    make(map[*Conn]struct{}),
		log:      log,
	}
}

// Join subscribes a connection to a channel, creating the channel if absent.
func (h *Hub) Join(key string, conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.channels[key]
	if !ok {
		set = make(map[*Conn]struct{})
		h.channels[key] = set
	}
	set[conn] = struct{}{}
	h.conns[conn] = struct{}{}
}

// Leave unsubscribes a connection from one channel.
func (h *Hub) Leave(key string, conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(key, conn)
}

func (h *Hub) leaveLocked(key string, conn *Conn) {
	set, ok := h.channels[key]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.channels, key)
	}
}

// LeaveAll removes the connection from every channel and from the hub
// itself. Called exactly once from disconnect teardown.
func (h *Hub) LeaveAll(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.channels {
		h.leaveLocked(key, conn)
	}
	delete(h.conns, conn)
}

// Drop discards a channel without touching its members' other
// subscriptions (room deletion).
func (h *Hub) Drop(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, key)
}

// Recipients returns a snapshot of the channel's connections minus any
// excluded ones.
func (h *Hub) Recipients(key string, exclude ...*Conn) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set, ok := h.channels[key]
	if !ok {
		return nil
	}
	return snapshot(set, exclude)
}

// All returns every connection registered with the hub minus exclusions.
func (h *Hub) All(exclude ...*Conn) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return snapshot(h.conns, exclude)
}

func snapshot(set map[*Conn]struct{}, exclude []*Conn) []*Conn {
	out := make([]*Conn, 0, len(set))
next:
	for conn := range set {
		for _, ex := range exclude {
			if conn == ex {
				continue next
			}
		}
		out = append(out, conn)
	}
	return out
}

// Send marshals the event once and enqueues it on every recipient. A
// recipient whose send buffer is full is closed; its write pump will run the
// usual disconnect path.
func (h *Hub) Send(recipients []*Conn, event string, payload any) {
	if len(recipients) == 0 {
		return
	}
	frame, err := encodeEvent(event, payload)
	if err != nil {
		h.log.Error("encode event", "event", event, "error", err)
		return
	}
	for _, conn := range recipients {
		if conn.closed() {
			continue
		}
		if !conn.trySend(frame) {
			h.log.Warn("dropping slow connection", "event", event, "user_id", conn.UserID())
			conn.close()
		}
	}
}
