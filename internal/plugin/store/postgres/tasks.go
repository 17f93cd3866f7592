package postgres

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/chirino/messenger-service/internal/model"
	"github.com/google/uuid"
	"gorm.io/gorm/clause"
)

// --- Tasks ---

func (s *PostgresStore) CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}, runAt time.Time) error {
	task := model.Task{
		ID:       uuid.New(),
		TaskType: taskType,
		TaskBody: taskBody,
		RetryAt:  runAt,
	}
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimReadyTasks(ctx context.Context, limit int, lease time.Duration) ([]model.Task, error) {
	var tasks []model.Task
	err := s.db.WithContext(ctx).Raw(`
		WITH claimed AS (
			SELECT id
			FROM tasks
			WHERE retry_at <= NOW()
			ORDER BY retry_at, created_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET retry_at = NOW() + make_interval(secs => ?),
			retry_count = t.retry_count + 1
		FROM claimed
		WHERE t.id = claimed.id
		RETURNING t.*
	`, limit, lease.Seconds()).
		Scan(&tasks).Error
	return tasks, err
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	return s.db.WithContext(ctx).Where("id = ?", taskID).Delete(&model.Task{}).Error
}

// --- Audit ---

const maxAuditContent = 255

func (s *PostgresStore) RecordAudit(ctx context.Context, entry model.AuditEntry) error {
	entry.ID = 0
	entry.Content = truncateRunes(entry.Content, maxAuditContent)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// --- Push tokens ---

func (s *PostgresStore) SetPushToken(ctx context.Context, userID string, token string) error {
	if token == "" {
		return &ValidationError{Field: "token", Message: "token is required"}
	}
	pt := model.PushToken{UserID: userID, Token: token, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "updated_at"}),
	}).Create(&pt).Error
}

func (s *PostgresStore) DeletePushToken(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.PushToken{}).Error
}

func (s *PostgresStore) GetPushToken(ctx context.Context, userID string) (string, error) {
	var pt model.PushToken
	result := s.db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&pt)
	if result.Error != nil {
		return "", fmt.Errorf("failed to load push token: %w", result.Error)
	}
	return pt.Token, nil
}

