package ws

import (
	"log/slog"
	"sort"
	"sync"

	"parley/internal/protocol"
)

// Hub tracks live connections, grouped per user and per channel broadcast
// group ("room").
type Hub struct {
	// connID -> connection
	conns map[string]*Connection
	// userID -> connID -> connection
	users map[string]map[string]*Connection
	// channelID -> connID -> connection
	rooms map[string]map[string]*Connection

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*Connection),
		users: make(map[string]map[string]*Connection),
		rooms: make(map[string]map[string]*Connection),
	}
}

func (h *Hub) Register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c.ID] = c
	if h.users[c.UserID] == nil {
		h.users[c.UserID] = make(map[string]*Connection)
	}
	h.users[c.UserID][c.ID] = c
}

// Unregister removes the connection from the hub and from every room.
func (h *Hub) Unregister(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.conns, c.ID)
	if set, ok := h.users[c.UserID]; ok {
		delete(set, c.ID)
		if len(set) == 0 {
			delete(h.users, c.UserID)
		}
	}
	for channelID, room := range h.rooms {
		delete(room, c.ID)
		if len(room) == 0 {
			delete(h.rooms, channelID)
		}
	}
}

// JoinRoom subscribes a registered connection to a channel's broadcasts.
func (h *Hub) JoinRoom(channelID string, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.ID]; !ok {
		return
	}
	if h.rooms[channelID] == nil {
		h.rooms[channelID] = make(map[string]*Connection)
	}
	h.rooms[channelID][c.ID] = c
}

func (h *Hub) InRoom(channelID, connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.rooms[channelID][connID]
	return ok
}

// BroadcastRoom sends ev to every connection in the room except exceptConnID.
func (h *Hub) BroadcastRoom(channelID string, ev protocol.Event, exceptConnID string) {
	h.mu.RLock()
	targets := collect(h.rooms[channelID], exceptConnID)
	h.mu.RUnlock()

	h.send(targets, ev)
}

// SendToUser sends ev to every connection of a user except exceptConnID.
func (h *Hub) SendToUser(userID string, ev protocol.Event, exceptConnID string) {
	h.mu.RLock()
	targets := collect(h.users[userID], exceptConnID)
	h.mu.RUnlock()

	h.send(targets, ev)
}

// BroadcastAll sends ev to every connection except exceptConnID.
func (h *Hub) BroadcastAll(ev protocol.Event, exceptConnID string) {
	h.mu.RLock()
	targets := collect(h.conns, exceptConnID)
	h.mu.RUnlock()

	h.send(targets, ev)
}

func (h *Hub) UserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.users[userID]) > 0
}

// OnlineUserIDs returns the sorted ids of users with live connections.
func (h *Hub) OnlineUserIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close disconnects every live connection.
func (h *Hub) Close() {
	h.mu.RLock()
	targets := collect(h.conns, "")
	h.mu.RUnlock()

	for _, c := range targets {
		c.stop(ErrServerShutdown)
	}
}

func (h *Hub) send(targets []*Connection, ev protocol.Event) {
	if len(targets) == 0 {
		return
	}
	env, err := protocol.NewEvent(ev)
	if err != nil {
		slog.Error("failed to encode event", "type", ev.EventType(), "error", err)
		return
	}
	for _, c := range targets {
		c.Send(env)
	}
}

func collect(set map[string]*Connection, exceptConnID string) []*Connection {
	targets := make([]*Connection, 0, len(set))
	for id, c := range set {
		if id != exceptConnID {
			targets = append(targets, c)
		}
	}
	return targets
}
