package postgres

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/chirino/messenger-service/internal/model"
	registrystore "github.com/chirino/messenger-service/internal/registry/store"
	"gorm.io/gorm"
)

// --- Messages ---

func (s *PostgresStore) AppendMessage(ctx context.Context, userID string, conversationID int64, content registrystore.MessageContent) (*model.Message, error) {
	if content.IsEmpty() && content.ForwardedFrom == nil {
		return nil, &ValidationError{Field: "content", Message: "message has no content"}
	}
	var msg *model.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, conversationID); err != nil {
			return err
		}
		conv, _, err := s.authorize(tx, conversationID, userID, false)
		if err != nil {
			return err
		}
		msg, err = s.appendTx(tx, conv, userID, content)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// appendTx assigns the next sequence id and a strictly increasing millisecond
// timestamp, inserts the message and, for groups, one unread marker per other member.
func (s *PostgresStore) appendTx(tx *gorm.DB, conv *model.Conversation, senderID string, content registrystore.MessageContent) (*model.Message, error) {
	msg := model.Message{
		ConversationID:       conv.ID,
		SenderID:             senderID,
		Text:                 content.Text,
		Images:               content.Images,
		Voice:                content.Voice,
		File:                 content.File,
		Code:                 content.Code,
		CodeLanguage:         content.CodeLanguage,
		Waveform:             content.Waveform,
		ReferenceToMessageID: content.ReferenceToMessageID,
	}

	if ref := content.ReferenceToMessageID; ref != nil {
		var n int64
		if err := tx.Model(&model.Message{}).Where("conversation_id = ? AND id = ?", conv.ID, *ref).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("failed to check referenced message: %w", err)
		}
		if n == 0 {
			return nil, &ValidationError{Field: "referenceToMessageId", Message: "referenced message does not exist"}
		}
	}

	if fwd := content.ForwardedFrom; fwd != nil {
		if _, err := s.requireMember(tx, fwd.ConversationID, senderID); err != nil {
			return nil, err
		}
		var src model.Message
		result := tx.Where("conversation_id = ? AND id = ?", fwd.ConversationID, fwd.MessageID).Limit(1).Find(&src)
		if result.Error != nil {
			return nil, fmt.Errorf("failed to load forwarded message: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, &ValidationError{Field: "forwardedFrom", Message: "forwarded message does not exist"}
		}
		// Attachment references are scoped to their conversation, so only inline
		// content is copied from the source.
		if content.IsEmpty() {
			msg.Text, msg.Code, msg.CodeLanguage = src.Text, src.Code, src.CodeLanguage
		}
		if !msg.HasContent() {
			return nil, &ValidationError{Field: "forwardedFrom", Message: "forwarded message has no inline content"}
		}
		origin := src.SenderID
		if src.ForwardedFromUserID != nil {
			origin = *src.ForwardedFromUserID
		}
		msg.IsForwarded = true
		msg.ForwardedFromUserID = &origin
		msg.ForwardedFromConversationID = &fwd.ConversationID
		msg.ForwardedFromMessageID = &fwd.MessageID
	}

	var seq struct {
		LastSeq       int64
		LastMessageAt time.Time
	}
	err := tx.Raw(`
		UPDATE conversations
		SET last_seq = last_seq + 1,
			message_count = message_count + 1,
			last_message_at = GREATEST(
				date_trunc('milliseconds', clock_timestamp()),
				COALESCE(last_message_at + INTERVAL '1 millisecond', '-infinity'::timestamptz)
			)
		WHERE id = ?
		RETURNING last_seq, last_message_at
	`, conv.ID).Scan(&seq).Error
	if err != nil {
		return nil, fmt.Errorf("failed to allocate message id: %w", err)
	}
	msg.ID = seq.LastSeq
	msg.CreatedAt = seq.LastMessageAt.UTC()

	if err := tx.Create(&msg).Error; err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if conv.Kind == model.KindGroup {
		err := tx.Exec(`
			INSERT INTO read_statuses (conversation_id, message_id, user_id)
			SELECT ?, ?, user_id FROM conversation_members
			WHERE conversation_id = ? AND user_id <> ?
		`, conv.ID, msg.ID, conv.ID, senderID).Error
		if err != nil {
			return nil, fmt.Errorf("failed to create read statuses: %w", err)
		}
	}
	return &msg, nil
}

func (s *PostgresStore) EditMessage(ctx context.Context, userID string, conversationID int64, messageID int64, patch registrystore.MessagePatch) (*registrystore.EditResult, error) {
	if patch.IsEmpty() {
		return nil, &ValidationError{Field: "content", Message: "nothing to update"}
	}
	var result registrystore.EditResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, conversationID); err != nil {
			return err
		}
		if _, _, err := s.authorize(tx, conversationID, userID, false); err != nil {
			return err
		}
		var msg model.Message
		res := tx.Clauses(lockForUpdate).
			Where("conversation_id = ? AND id = ?", conversationID, messageID).
			Limit(1).
			Find(&msg)
		if res.Error != nil {
			return fmt.Errorf("failed to load message: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &NotFoundError{Resource: "message", ID: fmt.Sprint(messageID)}
		}
		if msg.SenderID != userID {
			return &NotOwnerError{Resource: "message"}
		}

		result.Released = supersededAttachments(msg, patch)
		applyPatch(&msg, patch)
		if !msg.HasContent() {
			return &ValidationError{Field: "content", Message: "message would have no content"}
		}
		msg.IsEdited = true

		err := tx.Model(&msg).
			Select("text", "images", "voice", "file", "code", "code_language", "waveform", "is_edited").
			Updates(&msg).Error
		if err != nil {
			return fmt.Errorf("failed to update message: %w", err)
		}
		result.Message = &msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func applyPatch(msg *model.Message, patch registrystore.MessagePatch) {
	if patch.Text != nil {
		msg.Text = patch.Text
	}
	if patch.Images != nil {
		msg.Images = *patch.Images
	}
	if patch.Voice != nil {
		msg.Voice = patch.Voice
	}
	if patch.File != nil {
		msg.File = patch.File
	}
	if patch.Code != nil {
		msg.Code = patch.Code
	}
	if patch.CodeLanguage != nil {
		msg.CodeLanguage = patch.CodeLanguage
	}
	if patch.Waveform != nil {
		msg.Waveform = *patch.Waveform
	}
}

// supersededAttachments lists the blobs the patch stops referencing.
func supersededAttachments(msg model.Message, patch registrystore.MessagePatch) []model.AttachmentRef {
	var released []model.AttachmentRef
	if patch.Images != nil {
		for _, img := range msg.Images {
			if img != "" && !slices.Contains(*patch.Images, img) {
				released = append(released, model.AttachmentRef{Kind: model.AttachmentImage, Filename: img})
			}
		}
	}
	if patch.Voice != nil && !isBlank(msg.Voice) && *msg.Voice != *patch.Voice {
		released = append(released, model.AttachmentRef{Kind: model.AttachmentVoice, Filename: *msg.Voice})
	}
	if patch.File != nil && !isBlank(msg.File) && *msg.File != *patch.File {
		released = append(released, model.AttachmentRef{Kind: model.AttachmentFile, Filename: *msg.File})
	}
	return released
}

func (s *PostgresStore) DeleteMessages(ctx context.Context, userID string, conversationID int64, messageIDs []int64) ([]model.Message, error) {
	if len(messageIDs) == 0 {
		return nil, &ValidationError{Field: "messageIds", Message: "at least one message id is required"}
	}
	var deleted []model.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, conversationID); err != nil {
			return err
		}
		if _, _, err := s.authorize(tx, conversationID, userID, false); err != nil {
			return err
		}
		var err error
		deleted, err = s.purgeTx(tx, conversationID, messageIDs)
		return err
	})
	return deleted, err
}

func (s *PostgresStore) DeleteAllMessages(ctx context.Context, userID string, conversationID int64) ([]model.Message, error) {
	var deleted []model.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, conversationID); err != nil {
			return err
		}
		if _, _, err := s.authorize(tx, conversationID, userID, false); err != nil {
			return err
		}
		var err error
		deleted, err = s.purgeTx(tx, conversationID, nil)
		return err
	})
	return deleted, err
}

func (s *PostgresStore) PurgeMessages(ctx context.Context, conversationID int64, messageIDs []int64) ([]model.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var deleted []model.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, conversationID); err != nil {
			return err
		}
		var err error
		deleted, err = s.purgeTx(tx, conversationID, messageIDs)
		return err
	})
	return deleted, err
}

// purgeTx physically removes the rows that still exist (all rows when ids is
// nil) and decrements message_count by the number removed. Read statuses go
// with them through the foreign key cascade. Callers hold lockConversation.
func (s *PostgresStore) purgeTx(tx *gorm.DB, conversationID int64, ids []int64) ([]model.Message, error) {
	var deleted []model.Message
	var err error
	if ids == nil {
		err = tx.Raw(`DELETE FROM messages WHERE conversation_id = ? RETURNING *`, conversationID).Scan(&deleted).Error
	} else {
		err = tx.Raw(`DELETE FROM messages WHERE conversation_id = ? AND id IN ? RETURNING *`, conversationID, ids).Scan(&deleted).Error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete messages: %w", err)
	}
	if len(deleted) == 0 {
		return nil, nil
	}
	err = tx.Model(&model.Conversation{}).
		Where("id = ?", conversationID).
		Update("message_count", gorm.Expr("message_count - ?", len(deleted))).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update message count: %w", err)
	}
	slices.SortFunc(deleted, func(a, b model.Message) int { return cmp.Compare(a.ID, b.ID) })
	return deleted, nil
}

func (s *PostgresStore) MarkReadUpTo(ctx context.Context, userID string, conversationID int64, messageIDs []int64) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, &ValidationError{Field: "messageIds", Message: "at least one message id is required"}
	}
	watermark := slices.Max(messageIDs)

	var changed []int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockConversation(tx, conversationID); err != nil {
			return err
		}
		conv, _, err := s.authorize(tx, conversationID, userID, false)
		if err != nil {
			return err
		}

		var listed []model.Message
		err = tx.Select("id", "sender_id").
			Where("conversation_id = ? AND id IN ?", conversationID, messageIDs).
			Find(&listed).Error
		if err != nil {
			return fmt.Errorf("failed to load messages: %w", err)
		}
		if len(listed) == 0 {
			return &NotFoundError{Resource: "message", ID: fmt.Sprint(watermark)}
		}

		if conv.Kind == model.KindDialog {
			ownOnly := true
			for _, m := range listed {
				if m.SenderID != userID {
					ownOnly = false
					break
				}
			}
			if ownOnly {
				return registrystore.ErrSenderCannotMarkOwn
			}
			err = tx.Raw(`
				UPDATE messages SET is_read = TRUE
				WHERE conversation_id = ? AND id <= ? AND sender_id <> ? AND is_read = FALSE
				RETURNING id
			`, conversationID, watermark, userID).Scan(&changed).Error
			if err != nil {
				return fmt.Errorf("failed to mark messages read: %w", err)
			}
			return nil
		}

		err = tx.Raw(`
			DELETE FROM read_statuses
			WHERE conversation_id = ? AND user_id = ? AND message_id <= ?
			RETURNING message_id
		`, conversationID, userID, watermark).Scan(&changed).Error
		if err != nil {
			return fmt.Errorf("failed to clear read statuses: %w", err)
		}
		return settleGroupReads(tx, conversationID, changed)
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(changed)
	return changed, nil
}

// settleGroupReads flips the conversation-wide is_read bit of group messages
// that no member still has an unread marker for.
func settleGroupReads(tx *gorm.DB, conversationID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	err := tx.Exec(`
		UPDATE messages m SET is_read = TRUE
		WHERE m.conversation_id = ? AND m.id IN ? AND m.is_read = FALSE
		AND NOT EXISTS (
			SELECT 1 FROM read_statuses r
			WHERE r.conversation_id = m.conversation_id AND r.message_id = m.id
		)
	`, conversationID, ids).Error
	if err != nil {
		return fmt.Errorf("failed to settle read state: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, userID string, conversationID int64, before *time.Time, limit int) ([]model.Message, error) {
	db := s.db.WithContext(ctx)
	if _, _, err := s.authorize(db, conversationID, userID, false); err != nil {
		return nil, err
	}
	limit = s.cfg.ClampPageSize(limit)

	tx := db.Where("conversation_id = ?", conversationID)
	if before != nil {
		tx = tx.Where("created_at < ?", before.UTC())
	}
	var msgs []model.Message
	if err := tx.Order("created_at DESC, id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (s *PostgresStore) SearchMessages(ctx context.Context, userID string, conversationID int64, query string, limit int) ([]model.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &ValidationError{Field: "q", Message: "search query is required"}
	}
	db := s.db.WithContext(ctx)
	if _, _, err := s.authorize(db, conversationID, userID, false); err != nil {
		return nil, err
	}
	var msgs []model.Message
	err := db.
		Where(`conversation_id = ? AND text ILIKE ? ESCAPE '\'`, conversationID, "%"+escapeLike(query)+"%").
		Order("created_at DESC, id DESC").
		Limit(s.cfg.ClampPageSize(limit)).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStore) UnreadCount(ctx context.Context, userID string, conversationID int64) (int64, error) {
	db := s.db.WithContext(ctx)
	conv, _, err := s.authorize(db, conversationID, userID, false)
	if err != nil {
		return 0, err
	}
	return s.unreadCount(db, conv, userID)
}

func (s *PostgresStore) unreadCount(db *gorm.DB, conv *model.Conversation, userID string) (int64, error) {
	var n int64
	var err error
	if conv.Kind == model.KindGroup {
		err = db.Model(&model.ReadStatus{}).
			Where("conversation_id = ? AND user_id = ?", conv.ID, userID).
			Count(&n).Error
	} else {
		err = db.Model(&model.Message{}).
			Where("conversation_id = ? AND is_read = FALSE AND sender_id <> ?", conv.ID, userID).
			Count(&n).Error
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) GetMessages(ctx context.Context, conversationID int64, messageIDs []int64) ([]model.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var msgs []model.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND id IN ?", conversationID, messageIDs).
		Order("id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return msgs, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func isBlank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}
