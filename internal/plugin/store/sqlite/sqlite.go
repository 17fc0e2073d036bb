// Package sqlite provides a single-file AgentStore for development and tests.
// Vector search runs through the sqlite-vec extension, which is registered
// for every new connection via sqlite_vec.Auto().
package sqlite

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/lovediary/agent-service/internal/config"
	"github.com/lovediary/agent-service/internal/model"
	registrymigrate "github.com/lovediary/agent-service/internal/registry/migrate"
	registrystore "github.com/lovediary/agent-service/internal/registry/store"
	sqlite3 "github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

//go:embed db/schema.sql
var schemaSQL string

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	sqlite_vec.Auto()

	registrystore.Register(registrystore.Plugin{
		Name: "sqlite",
		Loader: func(ctx context.Context) (registrystore.AgentStore, error) {
			cfg := config.FromContext(ctx)
			return Open(cfg.DBURL)
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &sqliteMigrator{}})
}

type sqliteMigrator struct{}

func (m *sqliteMigrator) Name() string { return "sqlite-schema" }
func (m *sqliteMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "sqlite" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	db, err := gorm.Open(sqlite.Open(cfg.DBURL), &gorm.Config{})
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
	return nil
}

// Open opens (or creates) a sqlite store at the given path and applies the
// schema. An empty path opens an in-memory database.
func Open(path string) (*SqliteStore, error) {
	if path == "" {
		path = "file::memory:?cache=shared"
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := db.Exec(schemaSQL).Error; err != nil {
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return &SqliteStore{db: db}, nil
}

// SqliteStore implements AgentStore on a local sqlite file.
type SqliteStore struct {
	db *gorm.DB
}

func (s *SqliteStore) AgentExists(ctx context.Context, characterID int64, playerAddress string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.AgentState{}).
		Where("character_id = ? AND player_address = ?", characterID, model.NormalizeAddress(playerAddress)).
		Count(&count).Error
	if err != nil {
		return false, &registrystore.UnavailableError{Err: err}
	}
	return count > 0, nil
}

func (s *SqliteStore) LoadAgentState(ctx context.Context, characterID int64, playerAddress string) (*model.AgentState, error) {
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

func (s *SqliteStore) SaveAgentState(ctx context.Context, state *model.AgentState) error {
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

func (s *SqliteStore) SaveHibernation(ctx context.Context, state *model.AgentState) error {
	if state.HibernatedAt == nil {
		now := time.Now()
		state.HibernatedAt = &now
	}
	return s.SaveAgentState(ctx, state)
}

func (s *SqliteStore) ClearHibernation(ctx context.Context, characterID int64, playerAddress string) error {
	err := s.db.WithContext(ctx).Model(&model.AgentState{}).
		Where("character_id = ? AND player_address = ?", characterID, model.NormalizeAddress(playerAddress)).
		Updates(map[string]interface{}{"hibernate_data": nil, "hibernated_at": nil}).Error
	if err != nil {
		return &registrystore.UnavailableError{Err: err}
	}
	return nil
}

func (s *SqliteStore) HibernatedCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.AgentState{}).
		Where("hibernate_data IS NOT NULL").
		Count(&count).Error
	if err != nil {
		return 0, &registrystore.UnavailableError{Err: err}
	}
	return count, nil
}

func (s *SqliteStore) AgentsForTimezone(ctx context.Context, timezone int) ([]model.AgentState, error) {
	var states []model.AgentState
	err := s.db.WithContext(ctx).
		Where("player_timezone = ? AND updated_at > ?", timezone, time.Now().Add(-24*time.Hour)).
		Find(&states).Error
	if err != nil {
		return nil, &registrystore.UnavailableError{Err: err}
	}
	return states, nil
}

func (s *SqliteStore) AppendDiaryEntry(ctx context.Context, entry *model.DiaryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.PlayerAddress = model.NormalizeAddress(entry.PlayerAddress)

	var embedding []byte
	if len(entry.Embedding) > 0 {
		blob, err := sqlite_vec.SerializeFloat32(entry.Embedding)
		if err != nil {
			return fmt.Errorf("failed to serialize embedding: %w", err)
		}
		embedding = blob
	}
	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO diary_entries (id, character_id, player_address, date, entry_text, message_count, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.CharacterID, entry.PlayerAddress, entry.Date,
		entry.EntryText, entry.MessageCount, embedding, entry.CreatedAt,
	).Error
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return registrystore.ErrDuplicateDate
		}
		return &registrystore.UnavailableError{Err: err}
	}
	return nil
}

func (s *SqliteStore) SearchDiaryEntries(ctx context.Context, characterID int64, playerAddress string, queryEmbedding []float32, limit int) ([]model.DiaryEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(queryEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query embedding: %w", err)
	}
	var entries []model.DiaryEntry
	err = s.db.WithContext(ctx).Raw(`
		SELECT id, character_id, player_address, date, entry_text, message_count, created_at
		FROM diary_entries
		WHERE character_id = ? AND player_address = ? AND embedding IS NOT NULL
		ORDER BY vec_distance_cosine(embedding, ?) ASC, date DESC
		LIMIT ?`,
		characterID, model.NormalizeAddress(playerAddress), blob, limit,
	).Scan(&entries).Error
	if err != nil {
		return nil, &registrystore.UnavailableError{Err: err}
	}
	return entries, nil
}

func (s *SqliteStore) ListDiaryEntries(ctx context.Context, characterID int64, playerAddress string, limit int) ([]model.DiaryEntry, error) {
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
