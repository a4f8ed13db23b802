// Package gormstore is a relational payload-store adapter for hosts that
// would rather keep oversized bodies in their existing Postgres/SQLite
// instance than stand up a dedicated KV.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Payload is the single table this adapter owns. AutoMigrate(&Payload{})
// before first use.
type Payload struct {
	Key       string `gorm:"primaryKey;size:64"`
	Data      []byte
	CreatedAt time.Time
}

func (Payload) TableName() string { return "asynchttp_payloads" }

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gormstore: db required")
	}
	return &Store{db: db}, nil
}

// Migrate creates the backing table. Callers own migration ordering.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&Payload{})
}

func (s *Store) GenerateKey() string { return uuid.NewString() }

func (s *Store) Store(ctx context.Context, key string, data []byte) error {
	row := Payload{Key: key, Data: data, CreatedAt: time.Now()}
	err := s.db.WithContext(ctx).Save(&row).Error
	if err != nil {
		return fmt.Errorf("gormstore: save %s: %w", key, err)
	}
	return nil
}

func (s *Store) Fetch(ctx context.Context, key string) ([]byte, bool, error) {
	var row Payload
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("gormstore: fetch %s: %w", key, err)
	}
	return row.Data, true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Delete(&Payload{}, "key = ?", key).Error
	if err != nil {
		return fmt.Errorf("gormstore: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Payload{}).Where("key = ?", key).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("gormstore: exists %s: %w", key, err)
	}
	return count > 0, nil
}
