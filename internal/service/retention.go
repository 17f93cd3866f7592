package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messenger-service/internal/model"
	"github.com/chirino/messenger-service/internal/realtime"
	registryattach "github.com/chirino/messenger-service/internal/registry/attach"
	registrystore "github.com/chirino/messenger-service/internal/registry/store"
	"github.com/chirino/messenger-service/internal/security"
)

// TaskRetentionDelete is the task type of a scheduled auto-delete.
const TaskRetentionDelete = "retention_delete"

// SystemUserID is recorded as the actor of background operations.
const SystemUserID = "system"

// RetentionStore is the storage surface used by the retention worker.
type RetentionStore interface {
	registrystore.TaskQueue
	registrystore.AuditLog
	LookupConversation(ctx context.Context, conversationID int64) (*model.Conversation, error)
	GetMessages(ctx context.Context, conversationID int64, messageIDs []int64) ([]model.Message, error)
	PurgeMessages(ctx context.Context, conversationID int64, messageIDs []int64) ([]model.Message, error)
}

// Retention schedules and runs auto-deletion of read messages. Jobs are
// durable tasks; a job whose messages are already gone (deleted by a user or
// by an earlier job) is superseded and does nothing.
type Retention struct {
	store     RetentionStore
	attach    registryattach.AttachmentStore
	emitter   realtime.Emitter
	interval  time.Duration
	batchSize int
	lease     time.Duration
	now       func() time.Time
}

func NewRetention(store RetentionStore, attach registryattach.AttachmentStore, emitter realtime.Emitter, interval time.Duration, batchSize int) *Retention {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Retention{
		store:     store,
		attach:    attach,
		emitter:   emitter,
		interval:  interval,
		batchSize: batchSize,
		lease:     5 * time.Minute,
		now:       time.Now,
	}
}

// Schedule queues deletion of messageIDs once conv's auto-delete interval has
// elapsed. It does nothing when retention is off for conv.
func (r *Retention) Schedule(ctx context.Context, conv model.Conversation, messageIDs []int64) error {
	delay := conv.RetentionDelay()
	if delay <= 0 || len(messageIDs) == 0 {
		return nil
	}
	body := map[string]interface{}{
		"conversationId": conv.ID,
		"messageIds":     messageIDs,
	}
	if err := r.store.CreateTask(ctx, TaskRetentionDelete, body, r.now().Add(delay)); err != nil {
		return fmt.Errorf("schedule retention for conversation %d: %w", conv.ID, err)
	}
	return nil
}

// Start polls for due jobs until ctx is cancelled.
func (r *Retention) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.processBatch(ctx)
		}
	}
}

// processBatch runs every claimed job once and returns how many it handled.
// Jobs fire once: the task row is removed whether or not the job succeeded.
func (r *Retention) processBatch(ctx context.Context) int {
	tasks, err := r.store.ClaimReadyTasks(ctx, r.batchSize, r.lease)
	if err != nil {
		log.Error("Retention: claim tasks failed", "err", err)
		return 0
	}
	for _, task := range tasks {
		r.execute(ctx, task)
		if err := r.store.DeleteTask(ctx, task.ID); err != nil {
			log.Error("Retention: delete task failed", "taskId", task.ID, "err", err)
		}
	}
	return len(tasks)
}

func (r *Retention) execute(ctx context.Context, task model.Task) {
	if task.TaskType != TaskRetentionDelete {
		log.Warn("Retention: dropping unknown task", "taskId", task.ID, "type", task.TaskType)
		return
	}
	conversationID, messageIDs, err := parseRetentionBody(task.TaskBody)
	if err != nil {
		log.Error("Retention: malformed task", "taskId", task.ID, "err", err)
		security.CountRetentionJob("failed", 0)
		return
	}

	deleted, err := r.deleteMessages(ctx, conversationID, messageIDs)
	if err != nil {
		log.Error("Retention: job failed", "taskId", task.ID, "conversation", conversationID, "err", err)
		security.CountRetentionJob("failed", 0)
		r.audit(ctx, conversationID, false, "Auto-delete failed: "+err.Error())
		return
	}
	if len(deleted) == 0 {
		log.Debug("Retention: job superseded", "taskId", task.ID, "conversation", conversationID)
		security.CountRetentionJob("superseded", 0)
		return
	}
	security.CountRetentionJob("deleted", len(deleted))
	r.audit(ctx, conversationID, true, fmt.Sprintf("Auto-deleted %d messages", len(deleted)))
}

// deleteMessages removes whichever of messageIDs still exist and returns their ids.
func (r *Retention) deleteMessages(ctx context.Context, conversationID int64, messageIDs []int64) ([]int64, error) {
	conv, err := r.store.LookupConversation(ctx, conversationID)
	if err != nil {
		var notFound *registrystore.NotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	live, err := r.store.GetMessages(ctx, conversationID, messageIDs)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(live))
	for _, msg := range live {
		for _, ref := range msg.Attachments() {
			if err := r.attach.Release(ctx, conversationID, ref.Kind, ref.Filename); err != nil {
				return nil, fmt.Errorf("release %s %s: %w", ref.Kind, ref.Filename, err)
			}
		}
		ids = append(ids, msg.ID)
	}
	purged, err := r.store.PurgeMessages(ctx, conversationID, ids)
	if err != nil {
		return nil, err
	}
	deleted := make([]int64, 0, len(purged))
	for _, msg := range purged {
		deleted = append(deleted, msg.ID)
	}
	if len(deleted) > 0 {
		payload := realtime.MessagesDeletedPayload{ConversationID: conversationID, MessageIDs: deleted}
		if err := r.emitter.Emit(ctx, realtime.EventMessagesDeleted, payload, conv.Room()); err != nil {
			log.Warn("Retention: emit failed", "conversation", conversationID, "err", err)
		}
	}
	return deleted, nil
}

func (r *Retention) audit(ctx context.Context, conversationID int64, success bool, content string) {
	entry := model.AuditEntry{
		UserID:         SystemUserID,
		ConversationID: &conversationID,
		Action:         "auto_delete_messages",
		Content:        content,
		Success:        success,
	}
	if err := r.store.RecordAudit(ctx, entry); err != nil {
		log.Warn("Retention: audit failed", "conversation", conversationID, "err", err)
	}
}

func parseRetentionBody(body map[string]interface{}) (int64, []int64, error) {
	conversationID, err := toInt64(body["conversationId"])
	if err != nil {
		return 0, nil, fmt.Errorf("conversationId: %w", err)
	}
	var ids []int64
	switch raw := body["messageIds"].(type) {
	case []int64:
		ids = raw
	case []interface{}:
		for _, v := range raw {
			id, err := toInt64(v)
			if err != nil {
				return 0, nil, fmt.Errorf("messageIds: %w", err)
			}
			ids = append(ids, id)
		}
	default:
		return 0, nil, fmt.Errorf("messageIds: unexpected type %T", raw)
	}
	return conversationID, ids, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
