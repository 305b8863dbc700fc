// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory keeps the latest snapshot in process memory.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/absmach/mombroker/storage"
)

var _ storage.Gateway = (*Gateway)(nil)

// Gateway stores an encoded copy of the last saved snapshot, so later changes
// to the caller's value never leak into it.
type Gateway struct {
	mu    sync.Mutex
	data  []byte
	saves int
	err   error
}

// New creates an empty in-memory gateway.
func New() *Gateway {
	return &Gateway{}
}

func (g *Gateway) Save(_ context.Context, s *storage.Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.err != nil {
		return g.err
	}
	s.Normalize()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	g.data = data
	g.saves++
	return nil
}

func (g *Gateway) Load(_ context.Context) (*storage.Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.data == nil {
		return nil, storage.ErrNotFound
	}
	var s storage.Snapshot
	if err := json.Unmarshal(g.data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorrupt, err)
	}
	return &s, nil
}

// Saves returns how many snapshots were saved successfully.
func (g *Gateway) Saves() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.saves
}

// FailWith makes subsequent saves return err; nil restores normal behaviour.
func (g *Gateway) FailWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *Gateway) Close() error { return nil }
