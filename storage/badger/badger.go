// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger persists snapshots in BadgerDB, one key per snapshot section.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/mombroker/storage"
	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "snapshot:"

var _ storage.Gateway = (*Gateway)(nil)

// Config holds BadgerDB configuration.
type Config struct {
	Dir string
	// InMemory keeps the database off disk; Dir is ignored.
	InMemory   bool
	SyncWrites bool
	GCInterval time.Duration
}

// Gateway is a BadgerDB-backed snapshot gateway.
type Gateway struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens the database and starts value log GC.
func New(cfg Config) (*Gateway, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 5 * time.Minute
	}
	g := &Gateway{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go g.runGC(cfg.GCInterval, !cfg.InMemory)

	return g, nil
}

// Save writes every section in a single transaction.
func (g *Gateway) Save(ctx context.Context, s *storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sections, err := storage.EncodeSections(s)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return storage.ErrClosed
	}

	return g.db.Update(func(txn *badger.Txn) error {
		for _, name := range storage.Sections {
			if err := txn.Set([]byte(keyPrefix+name), sections[name]); err != nil {
				return fmt.Errorf("failed to write section %s: %w", name, err)
			}
		}
		return nil
	})
}

func (g *Gateway) Load(ctx context.Context) (*storage.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, storage.ErrClosed
	}

	sections := make(map[string][]byte, len(storage.Sections))
	err := g.db.View(func(txn *badger.Txn) error {
		for _, name := range storage.Sections {
			item, err := txn.Get([]byte(keyPrefix + name))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			sections[name] = val
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(sections) == 0 {
		return nil, storage.ErrNotFound
	}
	return storage.DecodeSections(sections)
}

// Close stops GC and closes the database.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	close(g.gcStopCh)
	<-g.gcDone

	return g.db.Close()
}

func (g *Gateway) runGC(interval time.Duration, enabled bool) {
	defer close(g.gcDone)

	if !enabled {
		<-g.gcStopCh
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means nothing was reclaimable.
			_ = g.db.RunValueLogGC(0.5)
		case <-g.gcStopCh:
			return
		}
	}
}
