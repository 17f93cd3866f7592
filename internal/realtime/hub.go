package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/messenger-service/internal/security"
	"github.com/google/uuid"
)

// Client is one websocket connection as seen by the Hub.
type Client struct {
	id     string
	userID string
	send   chan []byte

	// Guarded by Hub.mu.
	rooms              map[string]struct{}
	activeRoom         string
	activeConversation int64
}

func newClient(userID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan []byte, buffer),
		rooms:  make(map[string]struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

func (c *Client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Hub delivers events to the websocket clients of this process, by room.
// It is the local Emitter; the redis bus feeds it from other instances.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Client]struct{})}
}

func (h *Hub) Emit(ctx context.Context, eventType string, payload any, room string) error {
	evt, err := NewEvent(eventType, room, payload)
	if err != nil {
		return err
	}
	h.Deliver(evt)
	return nil
}

// Deliver queues evt on every local client in evt.Room without blocking and
// returns how many clients received it. Clients with a full buffer miss it.
func (h *Hub) Deliver(evt Event) int {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Error("Failed to encode realtime event", "type", evt.Type, "err", err)
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for c := range h.rooms[evt.Room] {
		if c.enqueue(data) {
			delivered++
			continue
		}
		security.RealtimeEventDropped()
		log.Warn("Dropping realtime event for slow client", "connection", c.id, "user", c.userID, "type", evt.Type)
	}
	return delivered
}

// Occupancy returns the number of local clients in room.
func (h *Hub) Occupancy(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinLocked(c, room)
}

func (h *Hub) joinLocked(c *Client, room string) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// setActive moves c into the conversation room, leaving its previous one.
func (h *Hub) setActive(c *Client, conversationID int64, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.activeRoom != "" && c.activeRoom != room {
		h.leaveLocked(c, c.activeRoom)
	}
	h.joinLocked(c, room)
	c.activeRoom = room
	c.activeConversation = conversationID
}

// clearActive leaves the conversation room if it is still c's active one.
func (h *Hub) clearActive(c *Client, conversationID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.activeRoom == "" || c.activeConversation != conversationID {
		return
	}
	h.leaveLocked(c, c.activeRoom)
	c.activeRoom = ""
	c.activeConversation = 0
}

func (h *Hub) active(c *Client) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.activeConversation
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	c.activeRoom = ""
	c.activeConversation = 0
}

var _ Emitter = (*Hub)(nil)
