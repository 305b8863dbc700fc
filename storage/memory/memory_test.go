// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/mombroker/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadIsolated(t *testing.T) {
	g := New()
	ctx := context.Background()

	_, err := g.Load(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	s := &storage.Snapshot{Users: []string{"alice"}}
	require.NoError(t, g.Save(ctx, s))
	s.Users[0] = "mallory"

	got, err := g.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, got.Users)
	assert.Equal(t, 1, g.Saves())
}

func TestFailWith(t *testing.T) {
	g := New()
	boom := errors.New("disk full")

	g.FailWith(boom)
	assert.ErrorIs(t, g.Save(context.Background(), &storage.Snapshot{}), boom)
	assert.Equal(t, 0, g.Saves())

	g.FailWith(nil)
	assert.NoError(t, g.Save(context.Background(), &storage.Snapshot{}))
}
