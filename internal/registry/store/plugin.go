package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chirino/messenger-service/internal/model"
	"github.com/google/uuid"
)

// ForwardSource identifies the message a forwarded message was copied from.
type ForwardSource struct {
	ConversationID int64 `json:"conversationId"`
	MessageID      int64 `json:"messageId"`
}

// MessageContent is the client-supplied body of a new message.
type MessageContent struct {
	Text                 *string        `json:"text,omitempty"`
	Images               []string       `json:"images,omitempty"`
	Voice                *string        `json:"voice,omitempty"`
	File                 *string        `json:"file,omitempty"`
	Code                 *string        `json:"code,omitempty"`
	CodeLanguage         *string        `json:"codeLanguage,omitempty"`
	Waveform             []int          `json:"waveform,omitempty"`
	ReferenceToMessageID *int64         `json:"referenceToMessageId,omitempty"`
	ForwardedFrom        *ForwardSource `json:"forwardedFrom,omitempty"`
}

// IsEmpty reports whether the content carries nothing to display.
func (c MessageContent) IsEmpty() bool {
	return isBlank(c.Text) && len(c.Images) == 0 && isBlank(c.Voice) && isBlank(c.File) && isBlank(c.Code)
}

// MessagePatch is a partial edit: nil fields are left untouched.
type MessagePatch struct {
	Text         *string   `json:"text,omitempty"`
	Images       *[]string `json:"images,omitempty"`
	Voice        *string   `json:"voice,omitempty"`
	File         *string   `json:"file,omitempty"`
	Code         *string   `json:"code,omitempty"`
	CodeLanguage *string   `json:"codeLanguage,omitempty"`
	Waveform     *[]int    `json:"waveform,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p MessagePatch) IsEmpty() bool {
	return p.Text == nil && p.Images == nil && p.Voice == nil && p.File == nil &&
		p.Code == nil && p.CodeLanguage == nil && p.Waveform == nil
}

// EditResult is the edited message plus the attachments its edit superseded.
type EditResult struct {
	Message  *model.Message
	Released []model.AttachmentRef
}

// ConversationDetail is a conversation as seen by one member.
type ConversationDetail struct {
	model.Conversation
	Members     []model.ConversationMember `json:"members,omitempty"`
	LastMessage *model.Message             `json:"lastMessage,omitempty"`
	UnreadCount int64                      `json:"unreadCount"`
	HasKey      bool                       `json:"hasKey"`
}

// ConversationSettings updates retention settings; nil fields are unchanged.
type ConversationSettings struct {
	CanAutoDelete             *bool `json:"canAutoDelete,omitempty"`
	AutoDeleteIntervalSeconds *int  `json:"autoDeleteIntervalSeconds,omitempty"`
}

// DeletedConversation captures what a cascade delete removed.
type DeletedConversation struct {
	Conversation model.Conversation
	Members      []string
	Messages     []model.Message
}

// ConversationStore owns per-conversation message partitions, read state and counters.
type ConversationStore interface {
	AppendMessage(ctx context.Context, userID string, conversationID int64, content MessageContent) (*model.Message, error)
	EditMessage(ctx context.Context, userID string, conversationID int64, messageID int64, patch MessagePatch) (*EditResult, error)
	// DeleteMessages removes the listed messages that still exist and returns them.
	// Already-deleted ids are skipped.
	DeleteMessages(ctx context.Context, userID string, conversationID int64, messageIDs []int64) ([]model.Message, error)
	DeleteAllMessages(ctx context.Context, userID string, conversationID int64) ([]model.Message, error)
	// MarkReadUpTo marks every unread message up to max(messageIDs) as read by
	// userID and returns the ids whose state changed.
	MarkReadUpTo(ctx context.Context, userID string, conversationID int64, messageIDs []int64) ([]int64, error)
	// ListMessages returns up to limit messages created strictly before the
	// cursor (newest page when nil), in chronological order.
	ListMessages(ctx context.Context, userID string, conversationID int64, before *time.Time, limit int) ([]model.Message, error)
	SearchMessages(ctx context.Context, userID string, conversationID int64, query string, limit int) ([]model.Message, error)
	UnreadCount(ctx context.Context, userID string, conversationID int64) (int64, error)

	// System access used by background workers; no membership checks.
	GetMessages(ctx context.Context, conversationID int64, messageIDs []int64) ([]model.Message, error)
	PurgeMessages(ctx context.Context, conversationID int64, messageIDs []int64) ([]model.Message, error)
}

// Directory is the registry of dialogs, groups and membership.
type Directory interface {
	IsMember(ctx context.Context, conversationID int64, userID string) (bool, error)
	MembersOf(ctx context.Context, conversationID int64) ([]string, error)
	LookupConversation(ctx context.Context, conversationID int64) (*model.Conversation, error)

	CreateDialog(ctx context.Context, userID string, peerUserID string) (*ConversationDetail, error)
	CreateGroup(ctx context.Context, userID string, name string, memberIDs []string) (*ConversationDetail, error)
	GetConversation(ctx context.Context, userID string, conversationID int64) (*ConversationDetail, error)
	ListConversations(ctx context.Context, userID string) ([]ConversationDetail, error)
	UpdateSettings(ctx context.Context, userID string, conversationID int64, settings ConversationSettings) (*model.Conversation, error)
	RenameGroup(ctx context.Context, userID string, conversationID int64, name string) (*model.Conversation, error)
	AddMember(ctx context.Context, userID string, conversationID int64, memberUserID string) (*model.ConversationMember, error)
	RemoveMember(ctx context.Context, userID string, conversationID int64, memberUserID string) error
	DeleteConversation(ctx context.Context, userID string, conversationID int64) (*DeletedConversation, error)

	SetMemberKey(ctx context.Context, userID string, conversationID int64, key []byte) error
	GetMemberKey(ctx context.Context, userID string, conversationID int64) ([]byte, error)
	DeleteMemberKey(ctx context.Context, userID string, conversationID int64) error
}

// TaskQueue is a durable delayed-job queue.
type TaskQueue interface {
	CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}, runAt time.Time) error
	// ClaimReadyTasks leases up to limit due tasks. A leased task that is not
	// deleted becomes due again once the lease expires.
	ClaimReadyTasks(ctx context.Context, limit int, lease time.Duration) ([]model.Task, error)
	DeleteTask(ctx context.Context, taskID uuid.UUID) error
}

// AuditLog is a write-only record of state-changing operations.
type AuditLog interface {
	RecordAudit(ctx context.Context, entry model.AuditEntry) error
}

// PushTokens stores the device token used to wake each user's app.
type PushTokens interface {
	SetPushToken(ctx context.Context, userID string, token string) error
	DeletePushToken(ctx context.Context, userID string) error
	// GetPushToken returns "" when the user has no registered device.
	GetPushToken(ctx context.Context, userID string) (string, error)
}

// MessengerStore is the full storage surface of a backend plugin.
type MessengerStore interface {
	ConversationStore
	Directory
	TaskQueue
	AuditLog
	PushTokens
}

// Loader creates a MessengerStore from config.
type Loader func(ctx context.Context) (MessengerStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}
