// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package file persists snapshots as a single JSON document on disk.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/absmach/mombroker/internal/bufpool"
	"github.com/absmach/mombroker/storage"
	"github.com/klauspost/compress/zstd"
)

// DefaultPath is the snapshot file used when none is configured.
const DefaultPath = "brokerData.json"

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Snapshots of a busy broker easily exceed the default pool cap.
var buffers = bufpool.New(4 << 20)

var _ storage.Gateway = (*Gateway)(nil)

// Config holds file gateway configuration.
type Config struct {
	Path string
	// Compress writes zstd-compressed snapshots. Load accepts both forms.
	Compress bool
	// Fsync flushes the temporary file before it replaces the snapshot.
	Fsync bool
}

// Gateway writes the snapshot to a temporary file and renames it over the
// previous one, so a crash mid-write leaves the last good snapshot intact.
type Gateway struct {
	mu     sync.Mutex
	cfg    Config
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	closed bool
}

// New creates a file gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &Gateway{cfg: cfg, enc: enc, dec: dec}, nil
}

// Path returns the snapshot file path.
func (g *Gateway) Path() string { return g.cfg.Path }

func (g *Gateway) Save(ctx context.Context, s *storage.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := buffers.Get()
	defer buffers.Put(buf)

	s.Normalize()
	if err := json.NewEncoder(buf).Encode(s); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return storage.ErrClosed
	}

	data := buf.Bytes()
	if g.cfg.Compress {
		data = g.enc.EncodeAll(data, nil)
	}
	return g.writeAtomic(data)
}

func (g *Gateway) writeAtomic(data []byte) error {
	dir := filepath.Dir(g.cfg.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(g.cfg.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if g.cfg.Fsync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to sync snapshot: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, g.cfg.Path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
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

	data, err := os.ReadFile(g.cfg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if bytes.HasPrefix(data, zstdMagic) {
		data, err = g.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", storage.ErrCorrupt, err)
		}
	}

	var s storage.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrCorrupt, err)
	}
	s.Normalize()
	return &s, nil
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	g.enc.Close()
	g.dec.Close()
	return nil
}
