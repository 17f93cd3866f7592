package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messenger-service/internal/model"
	registrypresence "github.com/chirino/messenger-service/internal/registry/presence"
	registrystore "github.com/chirino/messenger-service/internal/registry/store"
	"github.com/chirino/messenger-service/internal/security"
	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 4096
)

// Handler upgrades authenticated requests to websocket connections. Each
// connection joins its user's room and may view one conversation at a time.
type Handler struct {
	Hub       *Hub
	Presence  registrypresence.Registry
	Directory registrystore.Directory
	// SendBuffer is the per-connection outbound queue size.
	SendBuffer int
	// OriginPatterns restricts browser origins; empty accepts any origin.
	OriginPatterns []string
	// PingInterval defaults to 30s.
	PingInterval time.Duration
}

// Serve blocks for the lifetime of the connection.
func (h *Handler) Serve(c *gin.Context) {
	userID := security.GetUserID(c)
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns:     h.OriginPatterns,
		InsecureSkipVerify: len(h.OriginPatterns) == 0,
	})
	if err != nil {
		log.Warn("Websocket upgrade failed", "user", userID, "err", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	s := &session{h: h, conn: conn, client: newClient(userID, h.SendBuffer)}
	if err := h.Presence.Connect(ctx, userID, s.client.id); err != nil {
		log.Error("Presence connect failed", "user", userID, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "presence unavailable")
		return
	}
	h.Hub.join(s.client, model.UserRoom(userID))
	security.RealtimeConnectionOpened()
	log.Debug("Realtime client connected", "user", userID, "connection", s.client.id)

	// The write loop refreshes presence on every ping, so it must be gone
	// before the connection is unregistered.
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		defer cancel()
		s.writeLoop(ctx)
	}()
	s.readLoop(ctx)
	cancel()
	writer.Wait()

	s.teardown(ctx)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (s *session) teardown(ctx context.Context) {
	s.h.Hub.remove(s.client)
	cleanup, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer done()
	if err := s.h.Presence.Disconnect(cleanup, s.client.id); err != nil {
		log.Warn("Presence disconnect failed", "connection", s.client.id, "err", err)
	}
	security.RealtimeConnectionClosed()
	log.Debug("Realtime client disconnected", "user", s.client.userID, "connection", s.client.id)
}

type session struct {
	h      *Handler
	conn   *websocket.Conn
	client *Client
}

func (s *session) readLoop(ctx context.Context) {
	for {
		var evt Event
		if err := wsjson.Read(ctx, s.conn, &evt); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Warn("Realtime read failed", "connection", s.client.id, "err", err)
			}
			return
		}
		s.handle(ctx, evt)
	}
}

func (s *session) writeLoop(ctx context.Context) {
	interval := s.h.PingInterval
	if interval <= 0 {
		interval = pingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-s.client.send:
			wctx, cancel := context.WithTimeout(ctx, writeWait)
			err := s.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug("Realtime write failed", "connection", s.client.id, "err", err)
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeWait)
			err := s.conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug("Realtime ping failed", "connection", s.client.id, "err", err)
				return
			}
			s.refresh(ctx)
		}
	}
}

func (s *session) handle(ctx context.Context, evt Event) {
	switch evt.Type {
	case EventRoomJoin:
		var p RoomPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil || p.ConversationID <= 0 {
			s.sendError("invalid_payload", "room.join requires conversationId")
			return
		}
		s.joinConversation(ctx, p.ConversationID)

	case EventRoomLeave:
		var p RoomPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil || p.ConversationID <= 0 {
			s.sendError("invalid_payload", "room.leave requires conversationId")
			return
		}
		if err := s.h.Presence.LeaveRoom(ctx, s.client.id, p.ConversationID); err != nil &&
			!errors.Is(err, registrypresence.ErrUnknownConnection) {
			log.Warn("Presence leave failed", "connection", s.client.id, "err", err)
		}
		s.h.Hub.clearActive(s.client, p.ConversationID)

	case EventPing:
		s.refresh(ctx)
		s.send(EventPong, nil)

	default:
		s.sendError("unknown_event", "unknown event type: "+evt.Type)
	}
}

func (s *session) joinConversation(ctx context.Context, conversationID int64) {
	conv, err := s.h.Directory.LookupConversation(ctx, conversationID)
	if err != nil {
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) {
			s.sendError("not_found", "conversation not found")
			return
		}
		log.Error("Conversation lookup failed", "conversation", conversationID, "err", err)
		s.sendError("internal_error", "could not join room")
		return
	}
	member, err := s.h.Directory.IsMember(ctx, conversationID, s.client.userID)
	if err != nil {
		log.Error("Membership check failed", "conversation", conversationID, "err", err)
		s.sendError("internal_error", "could not join room")
		return
	}
	if !member {
		s.sendError("forbidden", "not a member of this conversation")
		return
	}

	err = s.h.Presence.JoinRoom(ctx, s.client.id, conversationID)
	if errors.Is(err, registrypresence.ErrUnknownConnection) {
		// The registry expired this connection; register it again.
		if err = s.h.Presence.Connect(ctx, s.client.userID, s.client.id); err == nil {
			err = s.h.Presence.JoinRoom(ctx, s.client.id, conversationID)
		}
	}
	if err != nil {
		log.Error("Presence join failed", "connection", s.client.id, "err", err)
		s.sendError("internal_error", "could not join room")
		return
	}
	s.h.Hub.setActive(s.client, conversationID, conv.Room())
}

func (s *session) refresh(ctx context.Context) {
	err := s.h.Presence.Refresh(ctx, s.client.id)
	if errors.Is(err, registrypresence.ErrUnknownConnection) {
		err = s.h.Presence.Connect(ctx, s.client.userID, s.client.id)
		if active := s.h.Hub.active(s.client); err == nil && active != 0 {
			err = s.h.Presence.JoinRoom(ctx, s.client.id, active)
		}
	}
	if err != nil {
		log.Warn("Presence refresh failed", "connection", s.client.id, "err", err)
	}
}

func (s *session) send(eventType string, payload any) {
	evt, err := NewEvent(eventType, "", payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if !s.client.enqueue(data) {
		security.RealtimeEventDropped()
	}
}

func (s *session) sendError(code, message string) {
	s.send(EventError, ErrorPayload{Code: code, Message: message})
}
