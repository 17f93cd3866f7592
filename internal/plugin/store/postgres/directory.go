package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chirino/messenger-service/internal/model"
	registrystore "github.com/chirino/messenger-service/internal/registry/store"
	"gorm.io/gorm"
)

// --- Directory ---

func (s *PostgresStore) IsMember(ctx context.Context, conversationID int64, userID string) (bool, error) {
	_, err := s.requireMember(s.db.WithContext(ctx), conversationID, userID)
	var forbidden *ForbiddenError
	if errors.As(err, &forbidden) {
		return false, nil
	}
	return err == nil, err
}

func (s *PostgresStore) MembersOf(ctx context.Context, conversationID int64) ([]string, error) {
	var members []string
	err := s.db.WithContext(ctx).Model(&model.ConversationMember{}).
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC, user_id ASC").
		Pluck("user_id", &members).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}

func (s *PostgresStore) LookupConversation(ctx context.Context, conversationID int64) (*model.Conversation, error) {
	return s.lookupConversation(s.db.WithContext(ctx), conversationID, false)
}

func (s *PostgresStore) CreateDialog(ctx context.Context, userID string, peerUserID string) (*registrystore.ConversationDetail, error) {
	peerUserID = strings.TrimSpace(peerUserID)
	if peerUserID == "" {
		return nil, &ValidationError{Field: "peerUserId", Message: "peer user id is required"}
	}
	if peerUserID == userID {
		return nil, &ValidationError{Field: "peerUserId", Message: "cannot create a dialog with yourself"}
	}
	key := model.DialogKey(userID, peerUserID)

	var conv model.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv = model.Conversation{
			Kind:          model.KindDialog,
			OwnerUserID:   userID,
			DialogKey:     &key,
			CanAutoDelete: true,
		}
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		now := time.Now()
		members := []model.ConversationMember{
			{ConversationID: conv.ID, UserID: userID, Role: model.RoleOwner, JoinedAt: now},
			{ConversationID: conv.ID, UserID: peerUserID, Role: model.RoleMember, JoinedAt: now},
		}
		if err := tx.Create(&members).Error; err != nil {
			return fmt.Errorf("failed to add dialog members: %w", err)
		}
		text := userID + " has created a dialog"
		_, err := s.appendTx(tx, &conv, userID, registrystore.MessageContent{Text: &text})
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			conflict := &ConflictError{Message: "dialog already exists", Code: "dialog_exists"}
			var existing model.Conversation
			if s.db.WithContext(ctx).Where("dialog_key = ?", key).Limit(1).Find(&existing).RowsAffected > 0 {
				conflict.Details = map[string]interface{}{"conversationId": existing.ID}
			}
			return nil, conflict
		}
		return nil, fmt.Errorf("failed to create dialog: %w", err)
	}
	return s.GetConversation(ctx, userID, conv.ID)
}

func (s *PostgresStore) CreateGroup(ctx context.Context, userID string, name string, memberIDs []string) (*registrystore.ConversationDetail, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "group name is required"}
	}

	var conv model.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv = model.Conversation{
			Kind:          model.KindGroup,
			Name:          name,
			OwnerUserID:   userID,
			CanAutoDelete: true,
		}
		if err := tx.Create(&conv).Error; err != nil {
			return fmt.Errorf("failed to create group: %w", err)
		}
		now := time.Now()
		members := []model.ConversationMember{{ConversationID: conv.ID, UserID: userID, Role: model.RoleOwner, JoinedAt: now}}
		seen := map[string]bool{userID: true}
		for _, id := range memberIDs {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			members = append(members, model.ConversationMember{ConversationID: conv.ID, UserID: id, Role: model.RoleMember, JoinedAt: now})
		}
		if err := tx.Create(&members).Error; err != nil {
			return fmt.Errorf("failed to add group members: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, userID, conv.ID)
}

func (s *PostgresStore) GetConversation(ctx context.Context, userID string, conversationID int64) (*registrystore.ConversationDetail, error) {
	db := s.db.WithContext(ctx)
	conv, member, err := s.authorize(db, conversationID, userID, false)
	if err != nil {
		return nil, err
	}
	return s.detail(db, *conv, member, true)
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]registrystore.ConversationDetail, error) {
	db := s.db.WithContext(ctx)
	var convs []model.Conversation
	err := db.Table("conversations AS c").
		Select("c.*").
		Joins("JOIN conversation_members m ON m.conversation_id = c.id").
		Where("m.user_id = ?", userID).
		Order("COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC").
		Find(&convs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	out := make([]registrystore.ConversationDetail, 0, len(convs))
	for _, conv := range convs {
		member, err := s.requireMember(db, conv.ID, userID)
		if err != nil {
			var forbidden *ForbiddenError
			if errors.As(err, &forbidden) {
				continue // left or was removed concurrently
			}
			return nil, err
		}
		d, err := s.detail(db, conv, member, conv.Kind == model.KindDialog)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

func (s *PostgresStore) detail(db *gorm.DB, conv model.Conversation, member *model.ConversationMember, withMembers bool) (*registrystore.ConversationDetail, error) {
	d := &registrystore.ConversationDetail{Conversation: conv, HasKey: len(member.EncryptedKey) > 0}
	if withMembers {
		if err := db.Where("conversation_id = ?", conv.ID).Order("joined_at ASC, user_id ASC").Find(&d.Members).Error; err != nil {
			return nil, fmt.Errorf("failed to load members: %w", err)
		}
	}
	var last model.Message
	res := db.Where("conversation_id = ?", conv.ID).Order("id DESC").Limit(1).Find(&last)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to load last message: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		d.LastMessage = &last
	}
	n, err := s.unreadCount(db, &conv, member.UserID)
	if err != nil {
		return nil, err
	}
	d.UnreadCount = n
	return d, nil
}

func (s *PostgresStore) UpdateSettings(ctx context.Context, userID string, conversationID int64, settings registrystore.ConversationSettings) (*model.Conversation, error) {
	if settings.CanAutoDelete == nil && settings.AutoDeleteIntervalSeconds == nil {
		return nil, &ValidationError{Field: "settings", Message: "no settings provided"}
	}
	if settings.AutoDeleteIntervalSeconds != nil && *settings.AutoDeleteIntervalSeconds < 0 {
		return nil, &ValidationError{Field: "autoDeleteIntervalSeconds", Message: "must not be negative"}
	}
	var conv *model.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		conv, _, err = s.authorize(tx, conversationID, userID, true)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{}
		if settings.CanAutoDelete != nil {
			updates["can_auto_delete"] = *settings.CanAutoDelete
			conv.CanAutoDelete = *settings.CanAutoDelete
		}
		if settings.AutoDeleteIntervalSeconds != nil {
			updates["auto_delete_interval_seconds"] = *settings.AutoDeleteIntervalSeconds
			conv.AutoDeleteIntervalSeconds = *settings.AutoDeleteIntervalSeconds
		}
		if err := tx.Model(&model.Conversation{}).Where("id = ?", conversationID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update settings: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *PostgresStore) RenameGroup(ctx context.Context, userID string, conversationID int64, name string) (*model.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "group name is required"}
	}
	var conv *model.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		conv, err = s.requireGroupOwner(tx, conversationID, userID)
		if err != nil {
			return err
		}
		if err := tx.Model(&model.Conversation{}).Where("id = ?", conversationID).Update("name", name).Error; err != nil {
			return fmt.Errorf("failed to rename group: %w", err)
		}
		conv.Name = name
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// requireGroupOwner loads a group, checks membership and then ownership.
func (s *PostgresStore) requireGroupOwner(tx *gorm.DB, conversationID int64, userID string) (*model.Conversation, error) {
	conv, _, err := s.authorize(tx, conversationID, userID, true)
	if err != nil {
		return nil, err
	}
	if conv.Kind != model.KindGroup {
		return nil, &ValidationError{Field: "conversationId", Message: "dialog membership is fixed"}
	}
	if conv.OwnerUserID != userID {
		return nil, &NotOwnerError{Resource: "group"}
	}
	return conv, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, userID string, conversationID int64, memberUserID string) (*model.ConversationMember, error) {
	memberUserID = strings.TrimSpace(memberUserID)
	if memberUserID == "" {
		return nil, &ValidationError{Field: "userId", Message: "user id is required"}
	}
	member := model.ConversationMember{
		ConversationID: conversationID,
		UserID:         memberUserID,
		Role:           model.RoleMember,
		JoinedAt:       time.Now(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.requireGroupOwner(tx, conversationID, userID); err != nil {
			return err
		}
		return tx.Create(&member).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &ConflictError{Message: "user is already a member", Code: "already_member"}
		}
		return nil, err
	}
	return &member, nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, userID string, conversationID int64, memberUserID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, _, err := s.authorize(tx, conversationID, userID, true)
		if err != nil {
			return err
		}
		if conv.Kind != model.KindGroup {
			return &ValidationError{Field: "conversationId", Message: "dialog membership is fixed"}
		}
		if memberUserID != userID && conv.OwnerUserID != userID {
			return &NotOwnerError{Resource: "group"}
		}
		if memberUserID == conv.OwnerUserID {
			return &ValidationError{Field: "userId", Message: "the owner cannot leave the group"}
		}

		result := tx.Where("conversation_id = ? AND user_id = ?", conversationID, memberUserID).Delete(&model.ConversationMember{})
		if result.Error != nil {
			return fmt.Errorf("failed to remove member: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return &NotFoundError{Resource: "member", ID: memberUserID}
		}

		// A departed member's unread markers would otherwise keep messages unread forever.
		var cleared []int64
		err = tx.Raw(`
			DELETE FROM read_statuses WHERE conversation_id = ? AND user_id = ?
			RETURNING message_id
		`, conversationID, memberUserID).Scan(&cleared).Error
		if err != nil {
			return fmt.Errorf("failed to clear read statuses: %w", err)
		}
		return settleGroupReads(tx, conversationID, cleared)
	})
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, userID string, conversationID int64) (*registrystore.DeletedConversation, error) {
	var out registrystore.DeletedConversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, _, err := s.authorize(tx, conversationID, userID, true)
		if err != nil {
			return err
		}
		if conv.Kind == model.KindGroup && conv.OwnerUserID != userID {
			return &NotOwnerError{Resource: "group"}
		}
		out.Conversation = *conv

		if err := tx.Model(&model.ConversationMember{}).
			Where("conversation_id = ?", conversationID).
			Pluck("user_id", &out.Members).Error; err != nil {
			return fmt.Errorf("failed to list members: %w", err)
		}
		if err := tx.Where("conversation_id = ?", conversationID).Order("id ASC").Find(&out.Messages).Error; err != nil {
			return fmt.Errorf("failed to list messages: %w", err)
		}
		// ON DELETE CASCADE removes members, messages and read statuses.
		if err := tx.Where("id = ?", conversationID).Delete(&model.Conversation{}).Error; err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Member keys ---

func (s *PostgresStore) SetMemberKey(ctx context.Context, userID string, conversationID int64, key []byte) error {
	if len(key) == 0 {
		return &ValidationError{Field: "key", Message: "key is required"}
	}
	return s.updateMemberKey(ctx, userID, conversationID, key)
}

func (s *PostgresStore) GetMemberKey(ctx context.Context, userID string, conversationID int64) ([]byte, error) {
	_, member, err := s.authorize(s.db.WithContext(ctx), conversationID, userID, false)
	if err != nil {
		return nil, err
	}
	if len(member.EncryptedKey) == 0 {
		return nil, &NotFoundError{Resource: "key", ID: fmt.Sprint(conversationID)}
	}
	return member.EncryptedKey, nil
}

func (s *PostgresStore) DeleteMemberKey(ctx context.Context, userID string, conversationID int64) error {
	return s.updateMemberKey(ctx, userID, conversationID, nil)
}

func (s *PostgresStore) updateMemberKey(ctx context.Context, userID string, conversationID int64, key []byte) error {
	db := s.db.WithContext(ctx)
	if _, _, err := s.authorize(db, conversationID, userID, false); err != nil {
		return err
	}
	err := db.Model(&model.ConversationMember{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("encrypted_key", key).Error
	if err != nil {
		return fmt.Errorf("failed to update member key: %w", err)
	}
	return nil
}
