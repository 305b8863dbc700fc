// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/absmach/mombroker/broker"
	"github.com/absmach/mombroker/protocol"
	"github.com/absmach/mombroker/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenRaw serves b on a loopback listener with raw framing.
func listenRaw(t *testing.T, b *broker.Broker) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go b.HandleConnection(context.Background(), session.NewStreamConn(conn, protocol.FramingRaw, 0, time.Second))
		}
	}()
	return ln.Addr().String()
}

func TestRawFramingLoginWithBacklog(t *testing.T) {
	b := newBroker(t)
	ctx := context.Background()
	addr := listenRaw(t, b)

	require.NoError(t, b.CreateUser(ctx, "bob"))
	const backlog = 20
	for i := range backlog {
		b.Store().QueueOffline("bob", protocol.FormatDirectMessage("alice", fmt.Sprintf("note %d", i), "10:00"))
	}

	c, err := Dial(ctx, Options{Address: addr, Logger: quietLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	payload, err := c.Login(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, protocol.LoginPayloadVersion, payload.Version)
	assert.Equal(t, StateLoggedIn, c.State())

	for i := range backlog {
		m := next(t, c, KindDirect)
		assert.True(t, m.Replayed)
		assert.Equal(t, "alice", m.From)
		assert.Equal(t, fmt.Sprintf("note %d", i), m.Body)
		assert.Equal(t, "10:00", m.Timestamp)
	}
	assert.Zero(t, b.Store().OfflineCount("bob"))
}

func TestRawFramingAnswersMergedPing(t *testing.T) {
	srv, cli := net.Pipe()
	t.Cleanup(func() { srv.Close() })

	c := New(cli, Options{Logger: quietLogger()})
	t.Cleanup(func() { c.Close() })

	login, err := protocol.LoginOKExisting(protocol.LoginPayload{DMs: []string{"alice"}})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 256)
		n, err := srv.Read(buf)
		if err != nil {
			errCh <- err
			return
		}
		if got := string(buf[:n]); got != "LOGIN_USER:bob" {
			errCh <- fmt.Errorf("unexpected command %q", got)
			return
		}
		_, err = srv.Write([]byte(protocol.Offline(protocol.FormatDirectMessage("alice", "hi", "10:00")) + login))
		errCh <- err
	}()

	payload, err := c.Login(context.Background(), "bob")
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"alice"}, payload.DMs)

	dm := next(t, c, KindDirect)
	assert.True(t, dm.Replayed)
	assert.Equal(t, "hi", dm.Body)

	go func() {
		_, err := srv.Write([]byte(protocol.Status("carol", true) + protocol.Ping))
		errCh <- err
	}()

	require.NoError(t, srv.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, err := srv.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "PONG:bob", string(buf[:n]))
	require.NoError(t, <-errCh)

	status := next(t, c, KindStatus)
	assert.Equal(t, "carol", status.From)
	assert.True(t, status.Online)
}
