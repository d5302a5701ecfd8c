package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SessionKey is the single persisted entry holding the logged-in user.
const SessionKey = "ecoPulse_user"

type Database struct {
	db  *gorm.DB
	log *slog.Logger
}

func NewDatabase(path string, log *slog.Logger) (*Database, error) {
	if log == nil {
		log = slog.Default()
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&KVEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db, log: log}, nil
}

func (d *Database) Put(key, value string) error {
	entry := KVEntry{Key: key, Value: value}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&entry).Error
}

// Get returns the stored value and whether the key exists.
func (d *Database) Get(key string) (string, bool, error) {
	var entry KVEntry
	err := d.db.Where(&KVEntry{Key: key}).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return entry.Value, true, nil
}

func (d *Database) Delete(key string) error {
	return d.db.Delete(&KVEntry{Key: key}).Error
}

func (d *Database) SaveUser(user User) error {
	payload, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return d.Put(SessionKey, string(payload))
}

// LoadUser returns the persisted session user, or nil when there is none. A corrupt
// entry counts as no session.
func (d *Database) LoadUser() (*User, error) {
	value, ok, err := d.Get(SessionKey)
	if err != nil || !ok {
		return nil, err
	}

	var user User
	if err := json.Unmarshal([]byte(value), &user); err != nil || strings.TrimSpace(user.Email) == "" {
		d.log.Warn("session_corrupt", "key", SessionKey, "error", errString(err))
		return nil, nil
	}
	return &user, nil
}

func (d *Database) DeleteUser() error {
	return d.Delete(SessionKey)
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
