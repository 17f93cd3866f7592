package service

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messenger-service/internal/delivery"
	"github.com/chirino/messenger-service/internal/model"
	"github.com/chirino/messenger-service/internal/realtime"
	registryattach "github.com/chirino/messenger-service/internal/registry/attach"
	registrystore "github.com/chirino/messenger-service/internal/registry/store"
)

// Messenger runs every state-changing operation: it authorizes through the
// store, commits, fans the change out and schedules retention. Each operation
// records one audit entry whether it succeeded or not.
//
// Fan-out runs on the fanout pool after the operation returns. Jobs are keyed
// by conversation so its events are emitted in commit order.
type Messenger struct {
	store     registrystore.MessengerStore
	attach    registryattach.AttachmentStore
	router    *delivery.Router
	emitter   realtime.Emitter
	fanout    *delivery.Pool
	retention *Retention
}

func NewMessenger(store registrystore.MessengerStore, attach registryattach.AttachmentStore, router *delivery.Router, emitter realtime.Emitter, fanout *delivery.Pool, retention *Retention) *Messenger {
	return &Messenger{store: store, attach: attach, router: router, emitter: emitter, fanout: fanout, retention: retention}
}

// --- messages ---

func (m *Messenger) SendMessage(ctx context.Context, userID string, conversationID int64, content registrystore.MessageContent) (*model.Message, error) {
	msg, err := m.store.AppendMessage(ctx, userID, conversationID, content)
	m.audit(ctx, userID, conversationID, "send_message", err, describeContent(content))
	if err != nil {
		return nil, err
	}
	m.background(ctx, conversationID, func(ctx context.Context) {
		m.deliver(ctx, conversationID, msg)
	})
	return msg, nil
}

func (m *Messenger) EditMessage(ctx context.Context, userID string, conversationID, messageID int64, patch registrystore.MessagePatch) (*model.Message, error) {
	res, err := m.store.EditMessage(ctx, userID, conversationID, messageID, patch)
	m.audit(ctx, userID, conversationID, "edit_message", err, fmt.Sprintf("Edited message %d", messageID))
	if err != nil {
		return nil, err
	}
	m.release(ctx, conversationID, res.Released)
	m.background(ctx, conversationID, func(ctx context.Context) {
		m.emitToConversation(ctx, conversationID, realtime.EventMessageEdited, res.Message)
	})
	return res.Message, nil
}

// DeleteMessages returns the ids that were actually removed; ids that were
// already gone are not an error.
func (m *Messenger) DeleteMessages(ctx context.Context, userID string, conversationID int64, messageIDs []int64) ([]int64, error) {
	deleted, err := m.store.DeleteMessages(ctx, userID, conversationID, messageIDs)
	m.audit(ctx, userID, conversationID, "delete_messages", err, fmt.Sprintf("Deleted %d of %d messages", len(deleted), len(messageIDs)))
	if err != nil {
		return nil, err
	}
	return m.afterDelete(ctx, conversationID, deleted), nil
}

func (m *Messenger) DeleteAllMessages(ctx context.Context, userID string, conversationID int64) ([]int64, error) {
	deleted, err := m.store.DeleteAllMessages(ctx, userID, conversationID)
	m.audit(ctx, userID, conversationID, "delete_all_messages", err, fmt.Sprintf("Deleted %d messages", len(deleted)))
	if err != nil {
		return nil, err
	}
	return m.afterDelete(ctx, conversationID, deleted), nil
}

func (m *Messenger) afterDelete(ctx context.Context, conversationID int64, deleted []model.Message) []int64 {
	ids := make([]int64, 0, len(deleted))
	for _, msg := range deleted {
		m.release(ctx, conversationID, msg.Attachments())
		ids = append(ids, msg.ID)
	}
	if len(ids) > 0 {
		m.background(ctx, conversationID, func(ctx context.Context) {
			m.emitToConversation(ctx, conversationID, realtime.EventMessagesDeleted,
				realtime.MessagesDeletedPayload{ConversationID: conversationID, MessageIDs: ids})
		})
	}
	return ids
}

// MarkRead applies the read watermark and schedules auto-deletion of the
// messages it flipped.
func (m *Messenger) MarkRead(ctx context.Context, userID string, conversationID int64, messageIDs []int64) ([]int64, error) {
	changed, err := m.store.MarkReadUpTo(ctx, userID, conversationID, messageIDs)
	m.audit(ctx, userID, conversationID, "mark_read", err, fmt.Sprintf("Marked %d messages as read", len(changed)))
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return changed, nil
	}
	conv, err := m.store.LookupConversation(ctx, conversationID)
	if err != nil {
		log.Warn("Conversation lookup after read failed", "conversation", conversationID, "err", err)
		return changed, nil
	}
	m.background(ctx, conversationID, func(ctx context.Context) {
		m.emit(ctx, realtime.EventMessagesRead,
			realtime.MessagesReadPayload{ConversationID: conversationID, ReaderID: userID, MessageIDs: changed}, conv.Room())
	})
	if m.retention != nil {
		if err := m.retention.Schedule(ctx, *conv, changed); err != nil {
			log.Error("Failed to schedule retention", "conversation", conversationID, "err", err)
		}
	}
	return changed, nil
}

// --- conversations ---

func (m *Messenger) CreateDialog(ctx context.Context, userID, peerUserID string) (*registrystore.ConversationDetail, error) {
	detail, err := m.store.CreateDialog(ctx, userID, peerUserID)
	var convID int64
	if detail != nil {
		convID = detail.ID
	}
	m.audit(ctx, userID, convID, "create_dialog", err, "Dialog with "+peerUserID)
	if err != nil {
		return nil, err
	}
	if msg := detail.LastMessage; msg != nil {
		m.background(ctx, detail.ID, func(ctx context.Context) {
			m.deliver(ctx, detail.ID, msg)
		})
	}
	return detail, nil
}

func (m *Messenger) CreateGroup(ctx context.Context, userID, name string, memberIDs []string) (*registrystore.ConversationDetail, error) {
	detail, err := m.store.CreateGroup(ctx, userID, name, memberIDs)
	var convID int64
	if detail != nil {
		convID = detail.ID
	}
	m.audit(ctx, userID, convID, "create_group", err, "Group "+name)
	return detail, err
}

func (m *Messenger) UpdateSettings(ctx context.Context, userID string, conversationID int64, settings registrystore.ConversationSettings) (*model.Conversation, error) {
	conv, err := m.store.UpdateSettings(ctx, userID, conversationID, settings)
	m.audit(ctx, userID, conversationID, "update_settings", err, describeSettings(settings))
	return conv, err
}

func (m *Messenger) RenameGroup(ctx context.Context, userID string, conversationID int64, name string) (*model.Conversation, error) {
	conv, err := m.store.RenameGroup(ctx, userID, conversationID, name)
	m.audit(ctx, userID, conversationID, "rename_group", err, "Renamed to "+name)
	return conv, err
}

func (m *Messenger) AddMember(ctx context.Context, userID string, conversationID int64, memberUserID string) (*model.ConversationMember, error) {
	member, err := m.store.AddMember(ctx, userID, conversationID, memberUserID)
	m.audit(ctx, userID, conversationID, "add_member", err, "Added "+memberUserID)
	return member, err
}

func (m *Messenger) RemoveMember(ctx context.Context, userID string, conversationID int64, memberUserID string) error {
	err := m.store.RemoveMember(ctx, userID, conversationID, memberUserID)
	m.audit(ctx, userID, conversationID, "remove_member", err, "Removed "+memberUserID)
	return err
}

// DeleteConversation cascades the conversation away and tells every former
// member about it.
func (m *Messenger) DeleteConversation(ctx context.Context, userID string, conversationID int64) error {
	deleted, err := m.store.DeleteConversation(ctx, userID, conversationID)
	m.audit(ctx, userID, conversationID, "delete_conversation", err, "")
	if err != nil {
		return err
	}
	for _, msg := range deleted.Messages {
		m.release(ctx, conversationID, msg.Attachments())
	}
	payload := realtime.ConversationDeletedPayload{ConversationID: conversationID}
	m.background(ctx, conversationID, func(ctx context.Context) {
		m.emit(ctx, realtime.EventConversationDeleted, payload, deleted.Conversation.Room())
		for _, member := range deleted.Members {
			m.emit(ctx, realtime.EventConversationDeleted, payload, model.UserRoom(member))
		}
	})
	return nil
}

func (m *Messenger) SetMemberKey(ctx context.Context, userID string, conversationID int64, key []byte) error {
	err := m.store.SetMemberKey(ctx, userID, conversationID, key)
	m.audit(ctx, userID, conversationID, "set_key", err, "")
	return err
}

func (m *Messenger) DeleteMemberKey(ctx context.Context, userID string, conversationID int64) error {
	err := m.store.DeleteMemberKey(ctx, userID, conversationID)
	m.audit(ctx, userID, conversationID, "delete_key", err, "")
	return err
}

// --- attachments ---

// UploadAttachment stores a blob in the conversation's scope and returns the
// filename messages reference it by.
func (m *Messenger) UploadAttachment(ctx context.Context, userID string, conversationID int64, kind model.AttachmentKind, originalName string, data io.Reader, maxSize int64) (string, error) {
	filename, err := m.uploadAttachment(ctx, userID, conversationID, kind, originalName, data, maxSize)
	m.audit(ctx, userID, conversationID, "upload_attachment", err, fmt.Sprintf("%s %s", kind, originalName))
	return filename, err
}

func (m *Messenger) uploadAttachment(ctx context.Context, userID string, conversationID int64, kind model.AttachmentKind, originalName string, data io.Reader, maxSize int64) (string, error) {
	if err := m.requireMember(ctx, userID, conversationID); err != nil {
		return "", err
	}
	return m.attach.Store(ctx, conversationID, kind, originalName, data, maxSize)
}

// OpenAttachment returns the blob for a member of the conversation.
func (m *Messenger) OpenAttachment(ctx context.Context, userID string, conversationID int64, kind model.AttachmentKind, filename string) (io.ReadCloser, error) {
	if err := m.requireMember(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return m.attach.Retrieve(ctx, conversationID, kind, filename)
}

func (m *Messenger) requireMember(ctx context.Context, userID string, conversationID int64) error {
	if _, err := m.store.LookupConversation(ctx, conversationID); err != nil {
		return err
	}
	ok, err := m.store.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return &registrystore.ForbiddenError{}
	}
	return nil
}

// --- devices ---

func (m *Messenger) SetPushToken(ctx context.Context, userID, token string) error {
	err := m.store.SetPushToken(ctx, userID, token)
	m.audit(ctx, userID, 0, "set_push_token", err, "")
	return err
}

func (m *Messenger) DeletePushToken(ctx context.Context, userID string) error {
	err := m.store.DeletePushToken(ctx, userID)
	m.audit(ctx, userID, 0, "delete_push_token", err, "")
	return err
}

// --- helpers ---

// background hands fn to the fanout pool. Without a pool fn runs inline on a
// detached context.
func (m *Messenger) background(ctx context.Context, conversationID int64, fn func(context.Context)) {
	if m.fanout == nil {
		fn(context.WithoutCancel(ctx))
		return
	}
	m.fanout.Submit(ctx, uint64(conversationID), fn)
}

func (m *Messenger) deliver(ctx context.Context, conversationID int64, msg *model.Message) {
	conv, err := m.store.LookupConversation(ctx, conversationID)
	if err != nil {
		log.Warn("Conversation lookup for delivery failed", "conversation", conversationID, "err", err)
		return
	}
	if _, err := m.router.Deliver(ctx, *conv, msg); err != nil {
		log.Warn("Message delivery failed", "conversation", conversationID, "message", msg.ID, "err", err)
	}
}

func (m *Messenger) emitToConversation(ctx context.Context, conversationID int64, eventType string, payload any) {
	conv, err := m.store.LookupConversation(ctx, conversationID)
	if err != nil {
		log.Warn("Conversation lookup for emit failed", "conversation", conversationID, "err", err)
		return
	}
	m.emit(ctx, eventType, payload, conv.Room())
}

func (m *Messenger) emit(ctx context.Context, eventType string, payload any, room string) {
	if err := m.emitter.Emit(ctx, eventType, payload, room); err != nil {
		log.Warn("Realtime emit failed", "type", eventType, "room", room, "err", err)
	}
}

// release frees attachments that no message references any more. A failure
// leaves an orphaned blob, which is logged.
func (m *Messenger) release(ctx context.Context, conversationID int64, refs []model.AttachmentRef) {
	for _, ref := range refs {
		if err := m.attach.Release(ctx, conversationID, ref.Kind, ref.Filename); err != nil {
			log.Warn("Attachment release failed", "conversation", conversationID, "kind", ref.Kind, "filename", ref.Filename, "err", err)
		}
	}
}

// audit records the outcome of an operation. It runs detached from ctx so a
// cancelled request is still recorded, and never fails the operation.
func (m *Messenger) audit(ctx context.Context, userID string, conversationID int64, action string, opErr error, content string) {
	entry := model.AuditEntry{
		UserID:  userID,
		Action:  action,
		Content: content,
		Success: opErr == nil,
	}
	if conversationID != 0 {
		entry.ConversationID = &conversationID
	}
	if opErr != nil {
		entry.Content = strings.TrimSpace("Failed: " + opErr.Error() + " " + content)
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.store.RecordAudit(actx, entry); err != nil {
		log.Warn("Audit write failed", "action", action, "user", userID, "err", err)
	}
}

func describeContent(c registrystore.MessageContent) string {
	var parts []string
	if c.Text != nil {
		parts = append(parts, "text")
	}
	if c.Code != nil {
		parts = append(parts, "code")
	}
	if n := len(c.Images); n > 0 {
		parts = append(parts, fmt.Sprintf("%d images", n))
	}
	if c.Voice != nil {
		parts = append(parts, "voice")
	}
	if c.File != nil {
		parts = append(parts, "file "+*c.File)
	}
	if c.ForwardedFrom != nil {
		parts = append(parts, fmt.Sprintf("forwarded from %d/%d", c.ForwardedFrom.ConversationID, c.ForwardedFrom.MessageID))
	}
	if len(parts) == 0 {
		return "Sent message"
	}
	return "Sent " + strings.Join(parts, ", ")
}

func describeSettings(s registrystore.ConversationSettings) string {
	var parts []string
	if s.CanAutoDelete != nil {
		parts = append(parts, fmt.Sprintf("canAutoDelete=%t", *s.CanAutoDelete))
	}
	if s.AutoDeleteIntervalSeconds != nil {
		parts = append(parts, fmt.Sprintf("autoDeleteIntervalSeconds=%d", *s.AutoDeleteIntervalSeconds))
	}
	return strings.Join(parts, " ")
}
