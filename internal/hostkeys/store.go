// Package hostkeys verifies SSH host keys against a persistent store and,
// when enabled, asks the user to confirm unknown keys through the prompt
// tracker. A changed key is never auto-accepted.
package hostkeys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// KnownKey is one remembered host key, keyed by (host, port, key type).
type KnownKey struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Host        string `gorm:"index:idx_host_port,unique;not null"`
	Port        int    `gorm:"index:idx_host_port,unique;not null"`
	KeyType     string `gorm:"index:idx_host_port,unique;not null"`
	Fingerprint string `gorm:"not null"`
	PublicKey   []byte `gorm:"not null"`
	CreatedAt   time.Time
}

// Store persists accepted host keys in SQLite.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the store at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create host key directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open host key store: %w", err)
	}
	if err := db.AutoMigrate(&KnownKey{}); err != nil {
		return nil, fmt.Errorf("auto-migrate host key store: %w", err)
	}
	return &Store{db: db}, nil
}

// Lookup returns the remembered key for (host, port, keyType), if any.
func (s *Store) Lookup(host string, port int, keyType string) (*KnownKey, error) {
	var k KnownKey
	err := s.db.Where("host = ? AND port = ? AND key_type = ?", host, port, keyType).First(&k).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup host key: %w", err)
	}
	return &k, nil
}

// Remember stores or replaces the key for (host, port, keyType).
func (s *Store) Remember(host string, port int, keyType, fingerprint string, publicKey []byte) error {
	k := KnownKey{
		Host:        host,
		Port:        port,
		KeyType:     keyType,
		Fingerprint: fingerprint,
		PublicKey:   publicKey,
	}
	err := s.db.Where("host = ? AND port = ? AND key_type = ?", host, port, keyType).
		Assign(map[string]any{"fingerprint": fingerprint, "public_key": publicKey}).
		FirstOrCreate(&k).Error
	if err != nil {
		return fmt.Errorf("remember host key: %w", err)
	}
	return nil
}

// Forget removes any remembered key for (host, port).
func (s *Store) Forget(host string, port int) error {
	return s.db.Where("host = ? AND port = ?", host, port).Delete(&KnownKey{}).Error
}
