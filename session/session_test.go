// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/absmach/mombroker/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	id string
}

func (c *stubConn) ID() string                 { return c.id }
func (c *stubConn) ReadFrame() (string, error) { return "", io.EOF }
func (c *stubConn) Send(string) error          { return nil }
func (c *stubConn) RemoteAddr() net.Addr       { return nil }
func (c *stubConn) Close() error               { return nil }

func TestTableBindFind(t *testing.T) {
	tbl := NewTable()
	c1 := &stubConn{id: "c1"}

	assert.False(t, tbl.IsOnline("alice"))
	assert.Nil(t, tbl.Bind("alice", c1))
	assert.True(t, tbl.IsOnline("alice"))

	got, ok := tbl.Find("alice")
	require.True(t, ok)
	assert.Equal(t, "c1", got.ID())

	_, ok = tbl.Find("bob")
	assert.False(t, ok)
}

func TestTableRebindReturnsPrevious(t *testing.T) {
	tbl := NewTable()
	c1 := &stubConn{id: "c1"}
	c2 := &stubConn{id: "c2"}

	tbl.Bind("alice", c1)
	prev := tbl.Bind("alice", c2)
	require.NotNil(t, prev)
	assert.Equal(t, "c1", prev.ID())

	// Rebinding the same connection is not a takeover.
	assert.Nil(t, tbl.Bind("alice", c2))

	// The old connection going away must not unbind the new one.
	assert.Empty(t, tbl.Unbind(c1))
	assert.True(t, tbl.IsOnline("alice"))
}

func TestTableRebindKeepsSharedConnection(t *testing.T) {
	tbl := NewTable()
	shared := &stubConn{id: "shared"}
	other := &stubConn{id: "other"}

	tbl.Bind("alice", shared)
	tbl.Bind("bob", shared)

	assert.Nil(t, tbl.Bind("alice", other), "shared still carries bob")
	assert.Equal(t, []string{"bob"}, tbl.Unbind(shared))
}

func TestTableUnbind(t *testing.T) {
	tbl := NewTable()
	c1 := &stubConn{id: "c1"}

	tbl.Bind("bob", c1)
	tbl.Bind("alice", c1)
	assert.Equal(t, 2, tbl.Len())

	assert.Equal(t, []string{"alice", "bob"}, tbl.Unbind(c1))
	assert.Equal(t, 0, tbl.Len())
	assert.Empty(t, tbl.Unbind(c1))
}

func TestTableRemoveIfExpired(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	tick := base.Add(11 * time.Second)
	timeout := 10 * time.Second

	tests := []struct {
		name    string
		setup   func(tbl *Table, c1, c2 Conn)
		removed bool
		online  bool
	}{
		{
			name:    "still silent",
			setup:   func(tbl *Table, c1, _ Conn) { tbl.Bind("alice", c1) },
			removed: true,
			online:  false,
		},
		{
			name: "pong after expiry check",
			setup: func(tbl *Table, c1, _ Conn) {
				tbl.Bind("alice", c1)
				tbl.Touch("alice", tick)
			},
			removed: false,
			online:  true,
		},
		{
			name: "relogin on same connection",
			setup: func(tbl *Table, c1, _ Conn) {
				tbl.Bind("alice", c1)
				tbl.now = func() time.Time { return tick }
				tbl.Bind("alice", c1)
			},
			removed: false,
			online:  true,
		},
		{
			name: "taken over by another connection",
			setup: func(tbl *Table, c1, c2 Conn) {
				tbl.Bind("alice", c1)
				tbl.Bind("alice", c2)
			},
			removed: false,
			online:  true,
		},
		{
			name: "already torn down",
			setup: func(tbl *Table, c1, _ Conn) {
				tbl.Bind("alice", c1)
				tbl.Unbind(c1)
			},
			removed: false,
			online:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := NewTable()
			tbl.now = func() time.Time { return base }
			c1 := &stubConn{id: "c1"}
			c2 := &stubConn{id: "c2"}

			tt.setup(tbl, c1, c2)

			assert.Equal(t, tt.removed, tbl.RemoveIfExpired("alice", c1, tick, timeout))
			assert.Equal(t, tt.online, tbl.IsOnline("alice"))
			if tt.removed {
				assert.Empty(t, tbl.Unbind(c1))
			}
		})
	}
}

func TestTableTouchAndExpired(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	tbl := NewTable()
	tbl.now = func() time.Time { return base }

	tbl.Bind("alice", &stubConn{id: "a"})
	tbl.Bind("bob", &stubConn{id: "b"})

	assert.False(t, tbl.Touch("carol", base.Add(time.Second)))
	assert.True(t, tbl.Touch("bob", base.Add(8*time.Second)))

	expired := tbl.Expired(base.Add(11*time.Second), 10*time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, "alice", expired[0].User)
	assert.Equal(t, base, expired[0].BoundAt)

	assert.Empty(t, tbl.Expired(base.Add(10*time.Second), 10*time.Second))
}

func TestTableAllOnlineOrdered(t *testing.T) {
	tbl := NewTable()
	for _, name := range []string{"carol", "alice", "bob"} {
		tbl.Bind(name, &stubConn{id: name})
	}

	var names []string
	for _, b := range tbl.AllOnline() {
		names = append(names, b.User)
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, names)
}

func TestStreamConnLineFraming(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sc := NewStreamConn(server, protocol.FramingLine, 0, time.Second)
	assert.NotEmpty(t, sc.ID())

	go func() {
		_, _ = client.Write([]byte("PONG:alice\n"))
	}()
	frame, err := sc.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "PONG:alice", frame)

	go func() {
		assert.NoError(t, sc.Send(protocol.Ping))
	}()
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "PING\n", string(buf[:n]))

	require.NoError(t, sc.Close())
	assert.NoError(t, sc.Close())
	assert.ErrorIs(t, sc.Send("late"), ErrConnClosed)
}

func TestStreamConnRawFraming(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	sc := NewStreamConn(server, protocol.FramingRaw, 0, 0)
	defer sc.Close()

	go func() {
		_, _ = client.Write([]byte("LOGIN_USER:bob"))
	}()
	frame, err := sc.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "LOGIN_USER:bob", frame)

	client.Close()
	_, err = sc.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}
