// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis persists snapshots in a Redis hash, one field per snapshot
// section.
package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/absmach/mombroker/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the hash holding the snapshot.
const DefaultKey = "mombroker:snapshot"

var _ storage.Gateway = (*Gateway)(nil)

// Config holds Redis configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// Gateway is a Redis-backed snapshot gateway.
type Gateway struct {
	mu     sync.Mutex
	client *redis.Client
	key    string
	closed bool
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewWithClient(client, cfg.Key), nil
}

// NewWithClient uses an existing client. An empty key selects DefaultKey.
func NewWithClient(client *redis.Client, key string) *Gateway {
	if key == "" {
		key = DefaultKey
	}
	return &Gateway{client: client, key: key}
}

// Save replaces the hash atomically inside MULTI/EXEC.
func (g *Gateway) Save(ctx context.Context, s *storage.Snapshot) error {
	sections, err := storage.EncodeSections(s)
	if err != nil {
		return err
	}
	values := make(map[string]any, len(sections))
	for name, data := range sections {
		values[name] = data
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return storage.ErrClosed
	}

	_, err = g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, g.key)
		pipe.HSet(ctx, g.key, values)
		return nil
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

	fields, err := g.client.HGetAll(ctx, g.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}

	sections := make(map[string][]byte, len(fields))
	for name, v := range fields {
		sections[name] = []byte(v)
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
	return g.client.Close()
}
