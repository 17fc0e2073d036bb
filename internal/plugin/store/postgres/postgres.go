package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lovediary/agent-service/internal/config"
	"github.com/lovediary/agent-service/internal/model"
	registrymigrate "github.com/lovediary/agent-service/internal/registry/migrate"
	registrystore "github.com/lovediary/agent-service/internal/registry/store"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrystore.AgentStore, error) {
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
			return &PostgresStore{db: db}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &postgresMigrator{}})
}

type postgresMigrator struct{}

func (m *postgresMigrator) Name() string { return "postgres-schema" }
func (m *postgresMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
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

// Open connects to postgres at the given DSN and applies the schema. Used by
// tests; the serve path connects through the plugin loader and migrator.
func Open(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := db.Exec(schemaSQL).Error; err != nil {
		return nil, fmt.Errorf("failed to apply postgres schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// PostgresStore implements AgentStore using GORM + PostgreSQL, with diary
// embeddings stored in a pgvector column.
type PostgresStore struct {
	db *gorm.DB
}

func (s *PostgresStore) AgentExists(ctx context.Context, characterID int64, playerAddress string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.AgentState{}).
		Where("character_id = ? AND player_address = ?", characterID, model.NormalizeAddress(playerAddress)).
		Count(&count).Error
	if err != nil {
		return false, &registrystore.UnavailableError{Err: err}
	}
	return count > 0, nil
}

func (s *PostgresStore) LoadAgentState(ctx context.Context, characterID int64, playerAddress string) (*model.AgentState, error) {
	var state model.AgentState
	err := s.db.WithContext(ctx).
		Where("character_id = ? AND player_address = ?", characterID, model.NormalizeAddress(playerAddress)).
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{CharacterID: characterID, PlayerAddress: playerAddress}
	}
	if err != nil {
		return nil, &registrystore.UnavailableError{Err: err}
	}
	return &state, nil
}

// SaveAgentState upserts the full row. A resident flush carries a nil
// Hibernation, which writes NULL to hibernate_data so a stale snapshot can
// never shadow the freshly persisted state.
func (s *PostgresStore) SaveAgentState(ctx context.Context, state *model.AgentState) error {
	state.PlayerAddress = model.NormalizeAddress(state.PlayerAddress)
	state.UpdatedAt = time.Now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = state.UpdatedAt
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "character_id"}, {Name: "player_address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"player_info", "character_nft", "player_timezone",
			"backstory", "relationship_context", "context_message_count",
			"affection_level", "total_messages",
			"hibernate_data", "hibernated_at", "updated_at",
		}),
	}).Create(state).Error
	if err != nil {
		return &registrystore.UnavailableError{Err: err}
	}
	return nil
}

func (s *PostgresStore) SaveHibernation(ctx context.Context, state *model.AgentState) error {
	if state.HibernatedAt == nil {
		now := time.Now()
		state.HibernatedAt = &now
	}
	return s.SaveAgentState(ctx, state)
}

func (s *PostgresStore) ClearHibernation(ctx context.Context, characterID int64, playerAddress string) error {
	err := s.db.WithContext(ctx).Model(&model.AgentState{}).
		Where("character_id = ? AND player_address = ?", characterID, model.NormalizeAddress(playerAddress)).
		Updates(map[string]interface{}{"hibernate_data": nil, "hibernated_at": nil}).Error
	if err != nil {
		return &registrystore.UnavailableError{Err: err}
	}
	return nil
}

func (s *PostgresStore) HibernatedCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.AgentState{}).
		Where("hibernate_data IS NOT NULL").
		Count(&count).Error
	if err != nil {
		return 0, &registrystore.UnavailableError{Err: err}
	}
	return count, nil
}

func (s *PostgresStore) AgentsForTimezone(ctx context.Context, timezone int) ([]model.AgentState, error) {
	var states []model.AgentState
	err := s.db.WithContext(ctx).
		Where("player_timezone = ? AND updated_at > ?", timezone, time.Now().Add(-24*time.Hour)).
		Find(&states).Error
	if err != nil {
		return nil, &registrystore.UnavailableError{Err: err}
	}
	return states, nil
}

func (s *PostgresStore) AppendDiaryEntry(ctx context.Context, entry *model.DiaryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.PlayerAddress = model.NormalizeAddress(entry.PlayerAddress)

	var embedding interface{}
	if len(entry.Embedding) > 0 {
		embedding = pgvec.NewVector(entry.Embedding)
	}
	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO diary_entries (id, character_id, player_address, date, entry_text, message_count, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CharacterID, entry.PlayerAddress, entry.Date,
		entry.EntryText, entry.MessageCount, embedding, entry.CreatedAt,
	).Error
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return registrystore.ErrDuplicateDate
		}
		return &registrystore.UnavailableError{Err: err}
	}
	return nil
}

func (s *PostgresStore) SearchDiaryEntries(ctx context.Context, characterID int64, playerAddress string, queryEmbedding []float32, limit int) ([]model.DiaryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	vec := pgvec.NewVector(queryEmbedding)
	var entries []model.DiaryEntry
	err := s.db.WithContext(ctx).Raw(`
		SELECT id, character_id, player_address, date, entry_text, message_count, created_at
		FROM diary_entries
		WHERE character_id = ? AND player_address = ? AND embedding IS NOT NULL
		ORDER BY embedding <=> ?::vector ASC, date DESC
		LIMIT ?`,
		characterID, model.NormalizeAddress(playerAddress), vec, limit,
	).Scan(&entries).Error
	if err != nil {
		return nil, &registrystore.UnavailableError{Err: err}
	}
	return entries, nil
}

func (s *PostgresStore) ListDiaryEntries(ctx context.Context, characterID int64, playerAddress string, limit int) ([]model.DiaryEntry, error) {
	tx := s.db.WithContext(ctx).
		Where("character_id = ? AND player_address = ?", characterID, model.NormalizeAddress(playerAddress)).
		Order("date DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var entries []model.DiaryEntry
	if err := tx.Find(&entries).Error; err != nil {
		return nil, &registrystore.UnavailableError{Err: err}
	}
	return entries, nil
}
