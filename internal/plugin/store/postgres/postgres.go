package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messenger-service/internal/config"
	"github.com/chirino/messenger-service/internal/model"
	registrymigrate "github.com/chirino/messenger-service/internal/registry/migrate"
	registrystore "github.com/chirino/messenger-service/internal/registry/store"
	"github.com/chirino/messenger-service/internal/security"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.MessengerStore, error) {
			cfg := config.FromContext(ctx)
			db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
			if err != nil {
				return nil, fmt.Errorf("failed to connect to postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			return &PostgresStore{db: db, cfg: cfg}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }
func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "" && cfg.DatastoreType != "postgres" {
		return nil // skip if not using postgres
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migration: failed to execute schema: %w", err)
	}
	log.Info("Postgres schema migration complete")
	return nil
}

// PostgresStore implements MessengerStore using GORM + PostgreSQL. Every
// conversation's messages live in one logical partition of the messages table,
// keyed by conversation_id, and all counters are updated in SQL.
type PostgresStore struct {
	db  *gorm.DB
	cfg *config.Config
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- Helpers ---

var lockForUpdate = clause.Locking{Strength: "UPDATE"}

// lockForNoKeyUpdate is the lock an UPDATE of a conversations row takes.
var lockForNoKeyUpdate = clause.Locking{Strength: "NO KEY UPDATE"}

// lockConversation takes the conversation row lock that appendTx takes
// implicitly. Transactions that write messages or read_statuses take it (or
// the stronger FOR UPDATE lock) before touching either table, so concurrent
// writers always lock rows in the same order.
func lockConversation(tx *gorm.DB, conversationID int64) error {
	var ids []int64
	err := tx.Model(&model.Conversation{}).
		Clauses(lockForNoKeyUpdate).
		Where("id = ?", conversationID).
		Pluck("id", &ids).Error
	if err != nil {
		return fmt.Errorf("failed to lock conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) lookupConversation(tx *gorm.DB, conversationID int64, lock bool) (*model.Conversation, error) {
	q := tx
	if lock {
		q = q.Clauses(lockForUpdate)
	}
	var conv model.Conversation
	result := q.Where("id = ?", conversationID).Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &NotFoundError{Resource: "conversation", ID: fmt.Sprint(conversationID)}
	}
	return &conv, nil
}

func (s *PostgresStore) requireMember(tx *gorm.DB, conversationID int64, userID string) (*model.ConversationMember, error) {
	var m model.ConversationMember
	result := tx.
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Limit(1).
		Find(&m)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to check membership: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, &ForbiddenError{}
	}
	return &m, nil
}

// authorize loads the conversation and checks that userID belongs to it.
func (s *PostgresStore) authorize(tx *gorm.DB, conversationID int64, userID string, lock bool) (*model.Conversation, *model.ConversationMember, error) {
	conv, err := s.lookupConversation(tx, conversationID, lock)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.requireMember(tx, conversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	return conv, m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
