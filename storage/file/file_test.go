// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/absmach/mombroker/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *storage.Snapshot {
	return &storage.Snapshot{
		Queues:          []storage.Queue{{Name: "queue_alice", Messages: []string{}}},
		Topics:          []storage.Topic{{Name: "news", Subscribers: []string{"alice"}}},
		Users:           []string{"alice", "bob"},
		OfflineMessages: map[string][]string{"bob": {"[DM from alice] hello @10:00"}},
		DMContacts:      map[string][]string{"alice": {"bob"}, "bob": {"alice"}},
		DMHistory:       map[string][]string{"alice|bob": {"[DM from alice] hello @10:00"}},
		TopicHistory:    map[string][]string{"news": {}},
	}
}

func TestSaveLoad(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "zstd"}[compress], func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "brokerData.json")
			g, err := New(Config{Path: path, Compress: compress, Fsync: true})
			require.NoError(t, err)
			defer g.Close()

			ctx := context.Background()
			_, err = g.Load(ctx)
			assert.ErrorIs(t, err, storage.ErrNotFound)

			want := sample()
			require.NoError(t, g.Save(ctx, want))

			got, err := g.Load(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			entries, err := os.ReadDir(filepath.Dir(path))
			require.NoError(t, err)
			assert.Len(t, entries, 1, "temporary files are cleaned up")
		})
	}
}

func TestPlainFileLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brokerData.json")
	g, err := New(Config{Path: path})
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, g.Save(context.Background(), &storage.Snapshot{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, key := range storage.Sections {
		assert.Contains(t, string(data), `"`+key+`":`)
	}
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brokerData.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	g, err := New(Config{Path: path})
	require.NoError(t, err)
	defer g.Close()

	_, err = g.Load(context.Background())
	assert.ErrorIs(t, err, storage.ErrCorrupt)
}

func TestLoadLegacyPartialDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brokerData.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"users":["alice"],"queues":[{"name":"q","messages":[]}]}`), 0o644))

	g, err := New(Config{Path: path})
	require.NoError(t, err)
	defer g.Close()

	s, err := g.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, s.Users)
	assert.NotNil(t, s.DMHistory)
	assert.Empty(t, s.Topics)
}

func TestClosed(t *testing.T) {
	g, err := New(Config{Path: filepath.Join(t.TempDir(), "s.json")})
	require.NoError(t, err)
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())

	assert.ErrorIs(t, g.Save(context.Background(), sample()), storage.ErrClosed)
	_, err = g.Load(context.Background())
	assert.ErrorIs(t, err, storage.ErrClosed)
}
