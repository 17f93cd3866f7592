package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// Client → server
const (
	EventRoomJoin  = "room.join"
	EventRoomLeave = "room.leave"
	EventPing      = "ping"
)

// Server → client
const (
	EventMessageNew          = "message.new"
	EventMessageNotification = "message.notification"
	EventMessageEdited       = "message.edited"
	EventMessagesDeleted     = "messages.deleted"
	EventMessagesRead        = "messages.read"
	EventConversationDeleted = "conversation.deleted"
	EventPong                = "pong"
	EventError               = "error"
)

// Event is the envelope of every websocket frame in both directions.
type Event struct {
	Type      string          `json:"type"`
	Room      string          `json:"room,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts"`
}

// NewEvent marshals payload into an envelope addressed to room.
func NewEvent(eventType, room string, payload any) (Event, error) {
	evt := Event{Type: eventType, Room: room, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		evt.Payload = raw
	}
	return evt, nil
}

// Emitter publishes events to rooms. Delivery is best-effort: an error means
// the event could not be handed to the bus, never that a client missed it.
type Emitter interface {
	Emit(ctx context.Context, eventType string, payload any, room string) error
}

type RoomPayload struct {
	ConversationID int64 `json:"conversationId"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NotificationPayload tells a member who is not viewing the conversation that
// something arrived.
type NotificationPayload struct {
	ConversationID   int64  `json:"conversationId"`
	ConversationKind string `json:"conversationKind"`
	MessageID        int64  `json:"messageId"`
	SenderID         string `json:"senderId"`
}

type MessagesDeletedPayload struct {
	ConversationID int64   `json:"conversationId"`
	MessageIDs     []int64 `json:"messageIds"`
}

type MessagesReadPayload struct {
	ConversationID int64   `json:"conversationId"`
	ReaderID       string  `json:"readerId"`
	MessageIDs     []int64 `json:"messageIds"`
}

type ConversationDeletedPayload struct {
	ConversationID int64 `json:"conversationId"`
}
