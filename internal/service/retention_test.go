package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chirino/messenger-service/internal/model"
	"github.com/chirino/messenger-service/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func retentionFixture(t *testing.T) (*memStore, *memAttachments, *memEmitter, *Retention, model.Conversation) {
	t.Helper()
	store := newMemStore()
	attach := &memAttachments{}
	emitter := &memEmitter{}
	conv := model.Conversation{ID: 1, Kind: model.KindDialog, CanAutoDelete: true, AutoDeleteIntervalSeconds: 30}
	store.addConversation(conv, "alice", "bob")
	for id := int64(1); id <= 3; id++ {
		store.addMessage(model.Message{ConversationID: 1, ID: id, SenderID: "alice", Text: strPtr("hi")})
	}
	return store, attach, emitter, NewRetention(store, attach, emitter, time.Second, 10), conv
}

func TestScheduleHonoursConversationSettings(t *testing.T) {
	store, _, _, r, conv := retentionFixture(t)
	ctx := context.Background()
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	require.NoError(t, r.Schedule(ctx, conv, []int64{1, 2}))
	require.Len(t, store.tasks, 1)
	assert.Equal(t, TaskRetentionDelete, store.tasks[0].TaskType)
	assert.Equal(t, fixed.Add(30*time.Second), store.tasks[0].RetryAt)

	disabled := conv
	disabled.CanAutoDelete = false
	require.NoError(t, r.Schedule(ctx, disabled, []int64{3}))
	zero := conv
	zero.AutoDeleteIntervalSeconds = 0
	require.NoError(t, r.Schedule(ctx, zero, []int64{3}))
	require.NoError(t, r.Schedule(ctx, conv, nil))
	assert.Len(t, store.tasks, 1)
}

func TestRetentionDeletesReleasesAndEmits(t *testing.T) {
	store, attach, emitter, r, conv := retentionFixture(t)
	ctx := context.Background()
	store.addMessage(model.Message{ConversationID: 1, ID: 4, SenderID: "alice", Images: []string{"a.png"}, Voice: strPtr("v.ogg")})

	require.NoError(t, r.Schedule(ctx, conv, []int64{1, 4}))
	assert.Equal(t, 1, r.processBatch(ctx))

	assert.Equal(t, []int64{2, 3}, store.messageIDs(1))
	assert.ElementsMatch(t, []string{"image/a.png", "voice/v.ogg"}, attach.released)
	deleted := emitter.ofType(realtime.EventMessagesDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, "dialog_1", deleted[0].Room)
	assert.ElementsMatch(t, []int64{1, 4}, deleted[0].Payload.(realtime.MessagesDeletedPayload).MessageIDs)

	audits := store.auditLog()
	require.Len(t, audits, 1)
	assert.True(t, audits[0].Success)
	assert.Equal(t, SystemUserID, audits[0].UserID)
	assert.Empty(t, store.tasks)
}

func TestRetentionJobIsSupersededByManualDelete(t *testing.T) {
	store, _, emitter, r, conv := retentionFixture(t)
	ctx := context.Background()

	require.NoError(t, r.Schedule(ctx, conv, []int64{1, 2}))
	_, err := store.PurgeMessages(ctx, 1, []int64{1, 2})
	require.NoError(t, err)

	r.processBatch(ctx)
	assert.Empty(t, emitter.events)
	assert.Empty(t, store.auditLog())
	assert.Empty(t, store.tasks)
	assert.Equal(t, []int64{3}, store.messageIDs(1))
}

func TestOverlappingJobsDeleteEachMessageOnce(t *testing.T) {
	store, _, emitter, r, conv := retentionFixture(t)
	ctx := context.Background()

	require.NoError(t, r.Schedule(ctx, conv, []int64{1, 2}))
	require.NoError(t, r.Schedule(ctx, conv, []int64{2, 3}))
	assert.Equal(t, 2, r.processBatch(ctx))

	assert.Empty(t, store.messageIDs(1))
	var total int
	for _, evt := range emitter.ofType(realtime.EventMessagesDeleted) {
		total += len(evt.Payload.(realtime.MessagesDeletedPayload).MessageIDs)
	}
	assert.Equal(t, 3, total)
}

func TestRetentionJobForDeletedConversationIsSuperseded(t *testing.T) {
	store, _, emitter, r, conv := retentionFixture(t)
	ctx := context.Background()

	require.NoError(t, r.Schedule(ctx, conv, []int64{1}))
	_, err := store.DeleteConversation(ctx, "alice", 1)
	require.NoError(t, err)

	r.processBatch(ctx)
	assert.Empty(t, emitter.events)
	assert.Empty(t, store.tasks)
}

func TestFailedRetentionJobIsAuditedAndNotRetried(t *testing.T) {
	store, attach, _, r, conv := retentionFixture(t)
	ctx := context.Background()
	attach.releaseErr = errors.New("bucket unavailable")
	store.addMessage(model.Message{ConversationID: 1, ID: 5, SenderID: "alice", File: strPtr("f.pdf")})

	require.NoError(t, r.Schedule(ctx, conv, []int64{5}))
	r.processBatch(ctx)

	audits := store.auditLog()
	require.Len(t, audits, 1)
	assert.False(t, audits[0].Success)
	assert.Contains(t, audits[0].Content, "bucket unavailable")
	assert.Empty(t, store.tasks, "jobs fire once")
	assert.Contains(t, store.messageIDs(1), int64(5))
}

func TestParseRetentionBodyAcceptsDecodedJSON(t *testing.T) {
	id, ids, err := parseRetentionBody(map[string]interface{}{
		"conversationId": float64(12),
		"messageIds":     []interface{}{float64(3), float64(4)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
	assert.Equal(t, []int64{3, 4}, ids)

	_, _, err = parseRetentionBody(map[string]interface{}{"conversationId": "x"})
	assert.Error(t, err)
}
