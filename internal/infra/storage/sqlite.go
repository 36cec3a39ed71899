package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"feedmux/internal/domain"
)

// ConnectionRecord is one row of the connection journal.
type ConnectionRecord struct {
	ID        uint      `gorm:"primaryKey"`
	Channel   string    `gorm:"index;size:16"`
	Kind      string    `gorm:"size:32"`
	Epoch     uint64
	Attempt   int
	Detail    string
	CreatedAt time.Time `gorm:"index"`
}

// Storage is the SQLite-backed connection journal. It is diagnostics only;
// nothing is read back at startup.
type Storage struct {
	db *gorm.DB
}

var _ domain.ConnectionJournal = (*Storage)(nil)

// NewStorage opens (or creates) the journal at path. An empty path uses the
// OS config directory.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		var err error
		path, err = getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	return open(path)
}

func open(dsn string) (*Storage, error) {
	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&ConnectionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "feedmux", "journal.db"), nil
}

// Record appends a lifecycle event.
func (s *Storage) Record(ctx context.Context, ev domain.ConnectionEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	rec := ConnectionRecord{
		Channel:   string(ev.Channel),
		Kind:      ev.Kind,
		Epoch:     ev.Epoch,
		Attempt:   ev.Attempt,
		Detail:    ev.Detail,
		CreatedAt: at,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Recent returns up to limit events of ch, newest first. An empty ch
// matches every channel.
func (s *Storage) Recent(ctx context.Context, ch domain.Channel, limit int) ([]domain.ConnectionEvent, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if ch != "" {
		q = q.Where("channel = ?", string(ch))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []ConnectionRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]domain.ConnectionEvent, len(rows))
	for i, r := range rows {
		out[i] = domain.ConnectionEvent{
			Channel: domain.Channel(r.Channel),
			Kind:    r.Kind,
			Epoch:   r.Epoch,
			Attempt: r.Attempt,
			Detail:  r.Detail,
			At:      r.CreatedAt,
		}
	}
	return out, nil
}

// Prune deletes events older than cutoff and returns how many were removed.
func (s *Storage) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&ConnectionRecord{})
	return res.RowsAffected, res.Error
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
