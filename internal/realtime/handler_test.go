package realtime

import (
	"context"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chirino/messenger-service/internal/model"
	"github.com/chirino/messenger-service/internal/plugin/presence/local"
	registrystore "github.com/chirino/messenger-service/internal/registry/store"
	"github.com/chirino/messenger-service/internal/security"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type fakeDirectory struct {
	registrystore.Directory
	conversations map[int64]*model.Conversation
	members       map[int64][]string
}

func (d *fakeDirectory) LookupConversation(ctx context.Context, id int64) (*model.Conversation, error) {
	if c, ok := d.conversations[id]; ok {
		return c, nil
	}
	return nil, &registrystore.NotFoundError{Resource: "conversation", ID: strconv.FormatInt(id, 10)}
}

func (d *fakeDirectory) IsMember(ctx context.Context, id int64, userID string) (bool, error) {
	for _, m := range d.members[id] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func startServer(t *testing.T, opts ...func(*Handler)) (*Hub, *local.Registry, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	presence := local.New()
	h := &Handler{
		Hub:      hub,
		Presence: presence,
		Directory: &fakeDirectory{
			conversations: map[int64]*model.Conversation{
				1: {ID: 1, Kind: model.KindDialog},
				2: {ID: 2, Kind: model.KindGroup},
			},
			members: map[int64][]string{1: {"alice", "bob"}, 2: {"bob"}},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	r := gin.New()
	r.GET("/v1/realtime", func(c *gin.Context) {
		c.Set(security.ContextKeyUserID, c.Query("token"))
	}, h.Serve)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, presence, "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/realtime"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	evt, err := NewEvent(eventType, "", payload)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(context.Background(), conn, evt))
}

func receive(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var evt Event
	require.NoError(t, wsjson.Read(ctx, conn, &evt))
	return evt
}

func TestRoomJoinTracksPresenceAndRoutesRoomEvents(t *testing.T) {
	hub, presence, url := startServer(t)
	conn := dial(t, url+"?token=alice")
	ctx := context.Background()

	require.Eventually(t, func() bool {
		online, _ := presence.IsOnline(ctx, "alice")
		return online
	}, 5*time.Second, 10*time.Millisecond)

	send(t, conn, EventRoomJoin, RoomPayload{ConversationID: 1})
	require.Eventually(t, func() bool {
		viewing, _ := presence.IsActivelyViewing(ctx, "alice", 1)
		return viewing && hub.Occupancy("dialog_1") == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Emit(ctx, EventMessagesRead, MessagesReadPayload{ConversationID: 1, ReaderID: "bob"}, "dialog_1"))
	evt := receive(t, conn)
	assert.Equal(t, EventMessagesRead, evt.Type)
	assert.Equal(t, "dialog_1", evt.Room)

	send(t, conn, EventRoomLeave, RoomPayload{ConversationID: 1})
	require.Eventually(t, func() bool {
		viewing, _ := presence.IsActivelyViewing(ctx, "alice", 1)
		return !viewing && hub.Occupancy("dialog_1") == 0
	}, 5*time.Second, 10*time.Millisecond)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool {
		online, _ := presence.IsOnline(ctx, "alice")
		return !online && hub.Occupancy("user_alice") == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRoomJoinRequiresMembership(t *testing.T) {
	hub, presence, url := startServer(t)
	conn := dial(t, url+"?token=alice")

	send(t, conn, EventRoomJoin, RoomPayload{ConversationID: 2})
	evt := receive(t, conn)
	assert.Equal(t, EventError, evt.Type)
	assert.Contains(t, string(evt.Payload), `"forbidden"`)

	send(t, conn, EventRoomJoin, RoomPayload{ConversationID: 99})
	evt = receive(t, conn)
	assert.Contains(t, string(evt.Payload), `"not_found"`)

	viewing, err := presence.IsActivelyViewing(context.Background(), "alice", 2)
	require.NoError(t, err)
	assert.False(t, viewing)
	assert.Equal(t, 0, hub.Occupancy("group_2"))
}

func TestPingAndUnknownEvents(t *testing.T) {
	_, _, url := startServer(t)
	conn := dial(t, url+"?token=bob")

	send(t, conn, EventPing, nil)
	assert.Equal(t, EventPong, receive(t, conn).Type)

	send(t, conn, "typing.start", nil)
	evt := receive(t, conn)
	assert.Equal(t, EventError, evt.Type)
	assert.Contains(t, string(evt.Payload), "unknown_event")
}

// trackingPresence records presence writes that arrive for a connection after
// it was disconnected.
type trackingPresence struct {
	*local.Registry
	mu   sync.Mutex
	gone map[string]bool
	late []string
}

func (p *trackingPresence) check(op, connectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone[connectionID] {
		p.late = append(p.late, op+" "+connectionID)
	}
}

func (p *trackingPresence) Connect(ctx context.Context, userID string, connectionID string) error {
	p.check("connect", connectionID)
	return p.Registry.Connect(ctx, userID, connectionID)
}

func (p *trackingPresence) Refresh(ctx context.Context, connectionID string) error {
	p.check("refresh", connectionID)
	return p.Registry.Refresh(ctx, connectionID)
}

func (p *trackingPresence) JoinRoom(ctx context.Context, connectionID string, conversationID int64) error {
	p.check("join", connectionID)
	return p.Registry.JoinRoom(ctx, connectionID, conversationID)
}

func (p *trackingPresence) Disconnect(ctx context.Context, connectionID string) error {
	p.mu.Lock()
	p.gone[connectionID] = true
	p.mu.Unlock()
	return p.Registry.Disconnect(ctx, connectionID)
}

func TestCloseStopsHeartbeatBeforeDisconnect(t *testing.T) {
	tracker := &trackingPresence{gone: map[string]bool{}}
	hub, presence, url := startServer(t, func(h *Handler) {
		tracker.Registry = h.Presence.(*local.Registry)
		h.Presence = tracker
		h.PingInterval = time.Millisecond
	})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		conn := dial(t, url+"?token=alice")
		// Pongs are only processed while reading.
		conn.CloseRead(ctx)
		send(t, conn, EventRoomJoin, RoomPayload{ConversationID: 1})
		require.Eventually(t, func() bool {
			viewing, _ := presence.IsActivelyViewing(ctx, "alice", 1)
			return viewing
		}, 5*time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)

		_ = conn.Close(websocket.StatusNormalClosure, "")
		require.Eventually(t, func() bool {
			online, _ := presence.IsOnline(ctx, "alice")
			return !online && hub.Occupancy("user_alice") == 0
		}, 5*time.Second, time.Millisecond)
	}

	time.Sleep(20 * time.Millisecond)
	online, err := presence.IsOnline(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
	viewing, err := presence.IsActivelyViewing(ctx, "alice", 1)
	require.NoError(t, err)
	assert.False(t, viewing)

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Empty(t, tracker.late)
}
