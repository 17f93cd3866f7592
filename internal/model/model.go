package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConversationKind distinguishes direct dialogs from group chats.
type ConversationKind string

const (
	KindDialog ConversationKind = "dialog"
	KindGroup  ConversationKind = "group"
)

// MemberRole is a member's role within a conversation.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleMember MemberRole = "member"
)

// Conversation is a dialog or group. Messages live in the conversation's own
// partition of the messages table, keyed by conversation ID.
type Conversation struct {
	ID                        int64            `json:"id"                        gorm:"primaryKey;autoIncrement"`
	Kind                      ConversationKind `json:"kind"                      gorm:"not null"`
	Name                      string           `json:"name,omitempty"            gorm:"not null;default:''"`
	OwnerUserID               string           `json:"ownerUserId"               gorm:"not null"`
	DialogKey                 *string          `json:"-"                         gorm:"unique"`
	MessageCount              int64            `json:"messageCount"              gorm:"not null;default:0"`
	LastSeq                   int64            `json:"-"                         gorm:"not null;default:0"`
	CanAutoDelete             bool             `json:"canAutoDelete"             gorm:"not null;default:true"`
	AutoDeleteIntervalSeconds int              `json:"autoDeleteIntervalSeconds" gorm:"not null;default:0"`
	CreatedAt                 time.Time        `json:"createdAt"                 gorm:"not null;default:now()"`
	LastMessageAt             *time.Time       `json:"lastMessageAt,omitempty"`
}

func (Conversation) TableName() string { return "conversations" }

// Room is the realtime room joined by clients viewing this conversation.
func (c Conversation) Room() string { return ConversationRoom(c.Kind, c.ID) }

// RetentionDelay returns the auto-delete delay, or zero when retention is off.
func (c Conversation) RetentionDelay() time.Duration {
	if !c.CanAutoDelete || c.AutoDeleteIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.AutoDeleteIntervalSeconds) * time.Second
}

// DialogKey returns the order-independent key identifying the dialog between two users.
func DialogKey(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return userA + "\x1f" + userB
}

// ConversationRoom returns the room name for a conversation, e.g. "dialog_7".
func ConversationRoom(kind ConversationKind, id int64) string {
	return fmt.Sprintf("%s_%d", kind, id)
}

// UserRoom returns the personal room every connection of a user joins.
func UserRoom(userID string) string {
	return "user_" + userID
}

// ConversationMember links a user to a conversation.
type ConversationMember struct {
	ConversationID int64      `json:"conversationId" gorm:"primaryKey;autoIncrement:false"`
	UserID         string     `json:"userId"         gorm:"primaryKey"`
	Role           MemberRole `json:"role"           gorm:"not null;default:'member'"`
	EncryptedKey   []byte     `json:"-"              gorm:"type:bytea"` // opaque
	JoinedAt       time.Time  `json:"joinedAt"       gorm:"not null;default:now()"`
}

func (ConversationMember) TableName() string { return "conversation_members" }

// AttachmentKind is the kind of blob an attachment reference points at.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVoice AttachmentKind = "voice"
	AttachmentFile  AttachmentKind = "file"
)

// ParseAttachmentKind validates a kind received from a client.
func ParseAttachmentKind(raw string) (AttachmentKind, bool) {
	switch k := AttachmentKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case AttachmentImage, AttachmentVoice, AttachmentFile:
		return k, true
	default:
		return "", false
	}
}

// AttachmentRef names a stored blob referenced from a message.
type AttachmentRef struct {
	Kind     AttachmentKind `json:"kind"`
	Filename string         `json:"filename"`
}

// Message is one entry in a conversation's partition. ID is the per-conversation
// sequence number and is never reused.
type Message struct {
	ConversationID              int64     `json:"conversationId"                        gorm:"primaryKey;autoIncrement:false"`
	ID                          int64     `json:"id"                                    gorm:"primaryKey;autoIncrement:false"`
	SenderID                    string    `json:"senderId"                              gorm:"not null"`
	Text                        *string   `json:"text,omitempty"`
	Images                      []string  `json:"images,omitempty"                      gorm:"type:jsonb;serializer:json"`
	Voice                       *string   `json:"voice,omitempty"`
	File                        *string   `json:"file,omitempty"`
	Code                        *string   `json:"code,omitempty"`
	CodeLanguage                *string   `json:"codeLanguage,omitempty"`
	Waveform                    []int     `json:"waveform,omitempty"                    gorm:"type:jsonb;serializer:json"`
	IsEdited                    bool      `json:"isEdited"                              gorm:"not null;default:false"`
	IsForwarded                 bool      `json:"isForwarded"                           gorm:"not null;default:false"`
	ForwardedFromUserID         *string   `json:"forwardedFromUserId,omitempty"`
	ForwardedFromConversationID *int64    `json:"forwardedFromConversationId,omitempty"`
	ForwardedFromMessageID      *int64    `json:"forwardedFromMessageId,omitempty"`
	ReferenceToMessageID        *int64    `json:"referenceToMessageId,omitempty"`
	IsRead                      bool      `json:"isRead"                                gorm:"not null;default:false"`
	CreatedAt                   time.Time `json:"createdAt"                             gorm:"not null"`
}

func (Message) TableName() string { return "messages" }

// HasContent reports whether the message carries anything to display.
func (m Message) HasContent() bool {
	return present(m.Text) || present(m.Code) || len(m.Images) > 0 || present(m.Voice) || present(m.File)
}

func present(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}

// Attachments lists the blobs this message references.
func (m Message) Attachments() []AttachmentRef {
	var refs []AttachmentRef
	for _, img := range m.Images {
		if img != "" {
			refs = append(refs, AttachmentRef{Kind: AttachmentImage, Filename: img})
		}
	}
	if m.Voice != nil && *m.Voice != "" {
		refs = append(refs, AttachmentRef{Kind: AttachmentVoice, Filename: *m.Voice})
	}
	if m.File != nil && *m.File != "" {
		refs = append(refs, AttachmentRef{Kind: AttachmentFile, Filename: *m.File})
	}
	return refs
}

// ReadStatus marks a group message as unread by one member.
type ReadStatus struct {
	ConversationID int64  `gorm:"primaryKey;autoIncrement:false"`
	MessageID      int64  `gorm:"primaryKey;autoIncrement:false"`
	UserID         string `gorm:"primaryKey"`
}

func (ReadStatus) TableName() string { return "read_statuses" }

// Task is a durable, delayed unit of background work.
type Task struct {
	ID         uuid.UUID              `json:"id"                  gorm:"primaryKey;type:uuid"`
	TaskName   *string                `json:"taskName,omitempty"  gorm:"unique"`
	TaskType   string                 `json:"taskType"            gorm:"not null"`
	TaskBody   map[string]interface{} `json:"taskBody"            gorm:"type:jsonb;serializer:json;not null"`
	CreatedAt  time.Time              `json:"createdAt"           gorm:"not null;default:now()"`
	RetryAt    time.Time              `json:"retryAt"             gorm:"not null;default:now()"`
	LastError  *string                `json:"lastError,omitempty"`
	RetryCount int                    `json:"retryCount"          gorm:"not null;default:0"`
}

func (Task) TableName() string { return "tasks" }

// AuditEntry is one write-only audit record.
type AuditEntry struct {
	ID             int64     `json:"id"                       gorm:"primaryKey;autoIncrement"`
	UserID         string    `json:"userId"                   gorm:"not null"`
	ConversationID *int64    `json:"conversationId,omitempty"`
	Action         string    `json:"action"                   gorm:"not null"`
	Content        string    `json:"content"                  gorm:"not null;default:''"`
	Success        bool      `json:"success"                  gorm:"not null"`
	CreatedAt      time.Time `json:"createdAt"                gorm:"not null;default:now()"`
}

func (AuditEntry) TableName() string { return "audit_logs" }

// PushToken is the device token used to wake a user's app.
type PushToken struct {
	UserID    string    `json:"userId"    gorm:"primaryKey"`
	Token     string    `json:"token"     gorm:"not null"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;default:now()"`
}

func (PushToken) TableName() string { return "push_tokens" }
