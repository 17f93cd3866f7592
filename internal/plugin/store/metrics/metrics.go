package metrics

import (
	"context"
	"time"

	"github.com/chirino/messenger-service/internal/model"
	"github.com/chirino/messenger-service/internal/registry/store"
	"github.com/chirino/messenger-service/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a MessengerStore that records StoreLatency for every operation.
func Wrap(inner store.MessengerStore) store.MessengerStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.MessengerStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) AppendMessage(ctx context.Context, userID string, conversationID int64, content store.MessageContent) (*model.Message, error) {
	defer observe("append_message", time.Now())
	return m.inner.AppendMessage(ctx, userID, conversationID, content)
}

func (m *metricsStore) EditMessage(ctx context.Context, userID string, conversationID int64, messageID int64, patch store.MessagePatch) (*store.EditResult, error) {
	defer observe("edit_message", time.Now())
	return m.inner.EditMessage(ctx, userID, conversationID, messageID, patch)
}

func (m *metricsStore) DeleteMessages(ctx context.Context, userID string, conversationID int64, messageIDs []int64) ([]model.Message, error) {
	defer observe("delete_messages", time.Now())
	return m.inner.DeleteMessages(ctx, userID, conversationID, messageIDs)
}

func (m *metricsStore) DeleteAllMessages(ctx context.Context, userID string, conversationID int64) ([]model.Message, error) {
	defer observe("delete_all_messages", time.Now())
	return m.inner.DeleteAllMessages(ctx, userID, conversationID)
}

func (m *metricsStore) MarkReadUpTo(ctx context.Context, userID string, conversationID int64, messageIDs []int64) ([]int64, error) {
	defer observe("mark_read", time.Now())
	return m.inner.MarkReadUpTo(ctx, userID, conversationID, messageIDs)
}

func (m *metricsStore) ListMessages(ctx context.Context, userID string, conversationID int64, before *time.Time, limit int) ([]model.Message, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, userID, conversationID, before, limit)
}

func (m *metricsStore) SearchMessages(ctx context.Context, userID string, conversationID int64, query string, limit int) ([]model.Message, error) {
	defer observe("search_messages", time.Now())
	return m.inner.SearchMessages(ctx, userID, conversationID, query, limit)
}

func (m *metricsStore) UnreadCount(ctx context.Context, userID string, conversationID int64) (int64, error) {
	defer observe("unread_count", time.Now())
	return m.inner.UnreadCount(ctx, userID, conversationID)
}

func (m *metricsStore) GetMessages(ctx context.Context, conversationID int64, messageIDs []int64) ([]model.Message, error) {
	defer observe("get_messages", time.Now())
	return m.inner.GetMessages(ctx, conversationID, messageIDs)
}

func (m *metricsStore) PurgeMessages(ctx context.Context, conversationID int64, messageIDs []int64) ([]model.Message, error) {
	defer observe("purge_messages", time.Now())
	return m.inner.PurgeMessages(ctx, conversationID, messageIDs)
}

func (m *metricsStore) IsMember(ctx context.Context, conversationID int64, userID string) (bool, error) {
	defer observe("is_member", time.Now())
	return m.inner.IsMember(ctx, conversationID, userID)
}

func (m *metricsStore) MembersOf(ctx context.Context, conversationID int64) ([]string, error) {
	defer observe("members_of", time.Now())
	return m.inner.MembersOf(ctx, conversationID)
}

func (m *metricsStore) LookupConversation(ctx context.Context, conversationID int64) (*model.Conversation, error) {
	defer observe("lookup_conversation", time.Now())
	return m.inner.LookupConversation(ctx, conversationID)
}

func (m *metricsStore) CreateDialog(ctx context.Context, userID string, peerUserID string) (*store.ConversationDetail, error) {
	defer observe("create_dialog", time.Now())
	return m.inner.CreateDialog(ctx, userID, peerUserID)
}

func (m *metricsStore) CreateGroup(ctx context.Context, userID string, name string, memberIDs []string) (*store.ConversationDetail, error) {
	defer observe("create_group", time.Now())
	return m.inner.CreateGroup(ctx, userID, name, memberIDs)
}

func (m *metricsStore) GetConversation(ctx context.Context, userID string, conversationID int64) (*store.ConversationDetail, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, userID, conversationID)
}

func (m *metricsStore) ListConversations(ctx context.Context, userID string) ([]store.ConversationDetail, error) {
	defer observe("list_conversations", time.Now())
	return m.inner.ListConversations(ctx, userID)
}

func (m *metricsStore) UpdateSettings(ctx context.Context, userID string, conversationID int64, settings store.ConversationSettings) (*model.Conversation, error) {
	defer observe("update_settings", time.Now())
	return m.inner.UpdateSettings(ctx, userID, conversationID, settings)
}

func (m *metricsStore) RenameGroup(ctx context.Context, userID string, conversationID int64, name string) (*model.Conversation, error) {
	defer observe("rename_group", time.Now())
	return m.inner.RenameGroup(ctx, userID, conversationID, name)
}

func (m *metricsStore) AddMember(ctx context.Context, userID string, conversationID int64, memberUserID string) (*model.ConversationMember, error) {
	defer observe("add_member", time.Now())
	return m.inner.AddMember(ctx, userID, conversationID, memberUserID)
}

func (m *metricsStore) RemoveMember(ctx context.Context, userID string, conversationID int64, memberUserID string) error {
	defer observe("remove_member", time.Now())
	return m.inner.RemoveMember(ctx, userID, conversationID, memberUserID)
}

func (m *metricsStore) DeleteConversation(ctx context.Context, userID string, conversationID int64) (*store.DeletedConversation, error) {
	defer observe("delete_conversation", time.Now())
	return m.inner.DeleteConversation(ctx, userID, conversationID)
}

func (m *metricsStore) SetMemberKey(ctx context.Context, userID string, conversationID int64, key []byte) error {
	defer observe("set_member_key", time.Now())
	return m.inner.SetMemberKey(ctx, userID, conversationID, key)
}

func (m *metricsStore) GetMemberKey(ctx context.Context, userID string, conversationID int64) ([]byte, error) {
	defer observe("get_member_key", time.Now())
	return m.inner.GetMemberKey(ctx, userID, conversationID)
}

func (m *metricsStore) DeleteMemberKey(ctx context.Context, userID string, conversationID int64) error {
	defer observe("delete_member_key", time.Now())
	return m.inner.DeleteMemberKey(ctx, userID, conversationID)
}

func (m *metricsStore) CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}, runAt time.Time) error {
	defer observe("create_task", time.Now())
	return m.inner.CreateTask(ctx, taskType, taskBody, runAt)
}

func (m *metricsStore) ClaimReadyTasks(ctx context.Context, limit int, lease time.Duration) ([]model.Task, error) {
	defer observe("claim_ready_tasks", time.Now())
	return m.inner.ClaimReadyTasks(ctx, limit, lease)
}

func (m *metricsStore) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	defer observe("delete_task", time.Now())
	return m.inner.DeleteTask(ctx, taskID)
}

func (m *metricsStore) RecordAudit(ctx context.Context, entry model.AuditEntry) error {
	defer observe("record_audit", time.Now())
	return m.inner.RecordAudit(ctx, entry)
}

func (m *metricsStore) SetPushToken(ctx context.Context, userID string, token string) error {
	defer observe("set_push_token", time.Now())
	return m.inner.SetPushToken(ctx, userID, token)
}

func (m *metricsStore) DeletePushToken(ctx context.Context, userID string) error {
	defer observe("delete_push_token", time.Now())
	return m.inner.DeletePushToken(ctx, userID)
}

func (m *metricsStore) GetPushToken(ctx context.Context, userID string) (string, error) {
	defer observe("get_push_token", time.Now())
	return m.inner.GetPushToken(ctx, userID)
}
