// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/absmach/mombroker/broker"
	"github.com/absmach/mombroker/broker/rabbitmq"
	"github.com/absmach/mombroker/broker/webhook"
	"github.com/absmach/mombroker/config"
	"github.com/absmach/mombroker/storage"
	"github.com/absmach/mombroker/storage/badger"
	"github.com/absmach/mombroker/storage/file"
	"github.com/absmach/mombroker/storage/memory"
	"github.com/absmach/mombroker/storage/mysql"
	"github.com/absmach/mombroker/storage/redis"
	"github.com/absmach/mombroker/storage/sqlite"
)

func newLogger(cfg config.LogConfig, w io.Writer, feed *broker.LogFeed) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if feed != nil {
		handler = feed.Handler(handler)
	}
	return slog.New(handler)
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Gateway, error) {
	switch cfg.Type {
	case config.StorageFile, "":
		gw, err := file.New(file.Config{
			Path:     cfg.File.Path,
			Compress: cfg.File.Compress,
			Fsync:    cfg.File.Fsync,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using file storage", slog.String("path", gw.Path()))
		return gw, nil
	case config.StorageBadger:
		gw, err := badger.New(badger.Config{Dir: cfg.Badger.Dir, SyncWrites: cfg.Badger.SyncWrites})
		if err != nil {
			return nil, err
		}
		slog.Info("Using BadgerDB storage", slog.String("dir", cfg.Badger.Dir))
		return gw, nil
	case config.StorageSQLite:
		gw, err := sqlite.New(sqlite.Config{DSN: cfg.SQLite.DSN})
		if err != nil {
			return nil, err
		}
		slog.Info("Using SQLite storage", slog.String("dsn", cfg.SQLite.DSN))
		return gw, nil
	case config.StorageRedis:
		gw, err := redis.New(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using Redis storage", slog.String("addr", cfg.Redis.Addr))
		return gw, nil
	case config.StorageMySQL:
		gw, err := mysql.New(mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("Using MySQL storage")
		return gw, nil
	case config.StorageMemory:
		slog.Warn("Using in-memory storage, state is lost on restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// newNotifier returns nil when no event sink is enabled.
func newNotifier(cfg *config.Config, logger *slog.Logger) (broker.Notifier, error) {
	var notifiers broker.MultiNotifier

	if cfg.Webhook.Enabled {
		n, err := webhook.NewNotifier(cfg.Webhook, cfg.Broker.ID, webhook.NewHTTPSender(&http.Client{}), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook notifier: %w", err)
		}
		notifiers = append(notifiers, n)
		slog.Info("Webhook notifier enabled", slog.Int("endpoints", len(cfg.Webhook.Endpoints)))
	}

	if cfg.RabbitMQ.Enabled {
		p, err := rabbitmq.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue, cfg.Broker.ID, cfg.RabbitMQ.Events, logger)
		if err != nil {
			_ = notifiers.Close()
			return nil, fmt.Errorf("failed to create rabbitmq publisher: %w", err)
		}
		notifiers = append(notifiers, p)
		slog.Info("RabbitMQ event publisher enabled", slog.String("queue", cfg.RabbitMQ.Queue))
	}

	switch len(notifiers) {
	case 0:
		return nil, nil
	case 1:
		return notifiers[0], nil
	default:
		return notifiers, nil
	}
}
