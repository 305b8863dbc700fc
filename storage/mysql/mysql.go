// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mysql stores snapshot sections in MySQL. It shares the GORM
// section schema and upsert logic of the sqlite gateway.
package mysql

import (
	"fmt"
	"time"

	"github.com/absmach/mombroker/storage/sqlite"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds MySQL configuration.
type Config struct {
	// DSN is a go-sql-driver/mysql data source, e.g.
	// "user:pass@tcp(localhost:3306)/broker?parseTime=true".
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// New connects, sizes the pool and migrates the schema.
func New(cfg Config) (*sqlite.Gateway, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("mysql dsn cannot be empty")
	}

	db, err := gorm.Open(gormmysql.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	gw, err := sqlite.NewWithDB(db)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return gw, nil
}
