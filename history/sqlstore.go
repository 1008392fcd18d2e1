package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// executionRecord is the relational shape of an entry. The structured fields
// support listing and filtering in SQL; Payload holds the full document.
type executionRecord struct {
	ID         string    `gorm:"primaryKey;size:64"`
	WorkflowID string    `gorm:"index;size:128"`
	Status     string    `gorm:"size:16"`
	StartedAt  time.Time `gorm:"index"`
	EndedAt    time.Time
	Payload    []byte `gorm:"type:blob"`
}

func (executionRecord) TableName() string { return "executions" }

// SQLStore persists entries in a SQLite database.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore opens (or creates) the database at path and migrates the schema.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.AutoMigrate(&executionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Save upserts the entry.
func (s *SQLStore) Save(ctx context.Context, e *Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", e.ID, err)
	}
	rec := executionRecord{
		ID:         e.ID,
		WorkflowID: e.WorkflowID,
		Status:     string(e.Status),
		StartedAt:  e.StartedAt,
		EndedAt:    e.EndedAt,
		Payload:    payload,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rec).Error
}

// Load reads every stored entry, oldest first.
func (s *SQLStore) Load(ctx context.Context) ([]*Entry, error) {
	var recs []executionRecord
	if err := s.db.WithContext(ctx).Order("ended_at asc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	entries := make([]*Entry, 0, len(recs))
	for _, rec := range recs {
		var e Entry
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// Delete removes one entry.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&executionRecord{}, "id = ?", id).Error
}

// Clear removes every entry.
func (s *SQLStore) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&executionRecord{}).Error
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
