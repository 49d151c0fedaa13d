package chat

import (
	"sort"
	"sync"
)

// Session is one connected relay client.
type Session struct {
	Conn     Conn
	Outgoing chan []byte

	// guarded by Hub.mu
	userID string
	rooms  map[string]struct{}
}

// NewSession creates a session with an outgoing queue of size buffer.
func NewSession(conn Conn, buffer int) *Session {
	return &Session{
		Conn:     conn,
		Outgoing: make(chan []byte, buffer),
		rooms:    make(map[string]struct{}),
	}
}

// Hub tracks sessions, the users behind them and their conversation rooms.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]bool
	rooms    map[string]map[*Session]bool
	users    map[string]int
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[*Session]bool),
		rooms:    make(map[string]map[*Session]bool),
		users:    make(map[string]int),
	}
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = true
}

// Unregister removes a session from the hub and its rooms.
// It returns the session's user and whether that was the user's last session.
func (h *Hub) Unregister(s *Session) (userID string, wentOffline bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.sessions[s] {
		return "", false
	}
	delete(h.sessions, s)
	for room := range s.rooms {
		h.leaveLocked(s, room)
	}
	if s.userID == "" {
		return "", false
	}
	h.users[s.userID]--
	if h.users[s.userID] > 0 {
		return s.userID, false
	}
	delete(h.users, s.userID)
	return s.userID, true
}

// Identify binds a user to the session.
// It returns true when this is the user's first session.
func (h *Hub) Identify(s *Session, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s.userID == userID {
		return false
	}
	if s.userID != "" {
		h.users[s.userID]--
		if h.users[s.userID] <= 0 {
			delete(h.users, s.userID)
		}
	}
	s.userID = userID
	h.users[userID]++
	return h.users[userID] == 1
}

// UserID returns the user bound to the session.
func (h *Hub) UserID(s *Session) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return s.userID
}

// Join adds the session to the conversation room.
func (h *Hub) Join(s *Session, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.sessions[s] {
		return
	}
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[*Session]bool)
		h.rooms[conversationID] = room
	}
	room[s] = true
	s.rooms[conversationID] = struct{}{}
}

func (h *Hub) leaveLocked(s *Session, conversationID string) {
	delete(s.rooms, conversationID)
	room := h.rooms[conversationID]
	delete(room, s)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
}

// Broadcast queues data for every session except skip.
// It returns the number of sessions whose queue was full.
func (h *Hub) Broadcast(data []byte, skip *Session) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for s := range h.sessions {
		if s != skip && !send(s, data) {
			dropped++
		}
	}
	return dropped
}

// BroadcastRoom queues data for the room's sessions and for every session of
// the listed users, each once, except skip.
func (h *Hub) BroadcastRoom(conversationID string, users []string, data []byte, skip *Session) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := make(map[*Session]bool)
	for s := range h.rooms[conversationID] {
		targets[s] = true
	}
	if len(users) > 0 {
		wanted := make(map[string]bool, len(users))
		for _, id := range users {
			wanted[id] = true
		}
		for s := range h.sessions {
			if wanted[s.userID] {
				targets[s] = true
			}
		}
	}

	dropped := 0
	for s := range targets {
		if s != skip && !send(s, data) {
			dropped++
		}
	}
	return dropped
}

// Send queues data for one session.
func (h *Hub) Send(s *Session, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.sessions[s] {
		return false
	}
	return send(s, data)
}

func send(s *Session, data []byte) bool {
	select {
	case s.Outgoing <- data:
		return true
	default:
		return false
	}
}

// OnlineUsers returns the identified users, sorted.
func (h *Hub) OnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	users := make([]string, 0, len(h.users))
	for id := range h.users {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// RoomSize returns the number of sessions in the conversation room.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// Sessions returns a snapshot of the registered sessions.
func (h *Hub) Sessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// ClientCount returns number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
