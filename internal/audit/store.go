// Package audit persists a record per answered query for offline inspection:
// what was asked, what was answered, how it scored and what it cost.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// QueryRecord is one answered query.
type QueryRecord struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	Question     string    `gorm:"not null" json:"question"`
	Answer       string    `json:"answer"`
	EvalScore    float64   `json:"eval_score"`
	EvalFeedback string    `json:"eval_feedback"`
	Provider     string    `gorm:"index" json:"provider"`
	Retries      int       `json:"retries"`
	CacheHit     bool      `json:"cache_hit"`
	PromptTokens int       `json:"prompt_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	LatencyMS    int64     `json:"latency_ms"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}

// TableName keeps the table name stable across gorm naming changes.
func (QueryRecord) TableName() string { return "query_records" }

// Store persists query records in sqlite.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore opens (or creates) the sqlite database at path and migrates the
// schema. Use ":memory:" for an ephemeral store.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.AutoMigrate(&QueryRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit schema: %w", err)
	}

	logger = logger.With(zap.String("component", "audit"))
	logger.Info("audit store opened", zap.String("path", path))

	return &Store{db: db, logger: logger}, nil
}

// Record persists one query record, assigning an id if absent.
func (s *Store) Record(ctx context.Context, rec *QueryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		s.logger.Error("failed to persist query record", zap.Error(err))
		return fmt.Errorf("failed to persist query record: %w", err)
	}
	return nil
}

// Get returns the record with the given id.
func (s *Store) Get(ctx context.Context, id string) (*QueryRecord, error) {
	var rec QueryRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load query record %s: %w", id, err)
	}
	return &rec, nil
}

// Recent returns the newest records, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]QueryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []QueryRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list query records: %w", err)
	}
	return recs, nil
}

// Count returns the number of persisted records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&QueryRecord{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count query records: %w", err)
	}
	return count, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
