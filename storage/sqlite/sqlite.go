// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sqlite persists snapshots in SQLite through GORM, one row per
// snapshot section.
package sqlite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/mombroker/storage"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var _ storage.Gateway = (*Gateway)(nil)

// Section is one stored snapshot section.
type Section struct {
	Name      string `gorm:"primaryKey;size:64"`
	Data      []byte
	UpdatedAt time.Time
}

// TableName pins the table name.
func (Section) TableName() string { return "snapshot_sections" }

// Config holds SQLite configuration.
type Config struct {
	// DSN is a glebarez/sqlite data source, e.g. "broker.db" or
	// "file::memory:?cache=shared".
	DSN string
}

// Gateway is a SQLite-backed snapshot gateway.
type Gateway struct {
	mu     sync.Mutex
	db     *gorm.DB
	closed bool
}

// New opens the database and migrates the schema.
func New(cfg Config) (*Gateway, error) {
	if cfg.DSN == "" {
		cfg.DSN = "broker.db"
	}
	db, err := gorm.Open(gormsqlite.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return NewWithDB(db)
}

// NewWithDB uses an existing GORM handle.
func NewWithDB(db *gorm.DB) (*Gateway, error) {
	if err := db.AutoMigrate(&Section{}); err != nil {
		return nil, fmt.Errorf("failed to migrate snapshot schema: %w", err)
	}
	return &Gateway{db: db}, nil
}

// Save upserts every section in one transaction.
func (g *Gateway) Save(ctx context.Context, s *storage.Snapshot) error {
	sections, err := storage.EncodeSections(s)
	if err != nil {
		return err
	}

	now := time.Now()
	rows := make([]Section, 0, len(storage.Sections))
	for _, name := range storage.Sections {
		rows = append(rows, Section{Name: name, Data: sections[name], UpdatedAt: now})
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return storage.ErrClosed
	}

	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (g *Gateway) Load(ctx context.Context) (*storage.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, storage.ErrClosed
	}

	var rows []Section
	if err := g.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if len(rows) == 0 {
		return nil, storage.ErrNotFound
	}

	sections := make(map[string][]byte, len(rows))
	for _, r := range rows {
		sections[r.Name] = r.Data
	}
	return storage.DecodeSections(sections)
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
