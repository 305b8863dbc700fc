// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/mombroker/broker"
	"github.com/absmach/mombroker/protocol"
	"github.com/absmach/mombroker/storage/memory"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, origins []string) (*broker.Broker, *httptest.Server) {
	t.Helper()

	b := broker.New(broker.Options{Gateway: memory.New(), Logger: quietLogger(), HeartbeatInterval: time.Hour})
	b.Start(context.Background())

	s := New(Config{Path: "/ws", AllowedOrigins: origins}, b, quietLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		b.Close()
		ts.Close()
	})
	return b, ts
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readText(t *testing.T, ws *websocket.Conn) string {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	return string(data)
}

func TestCommandsOverWebSocket(t *testing.T) {
	b, ts := newTestServer(t, nil)

	alice := dial(t, ts, nil)
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("CREATE_USER:alice")))
	assert.Equal(t, protocol.LoginOKNew, readText(t, alice))

	bob := dial(t, ts, nil)
	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("CREATE_USER:bob")))
	assert.Equal(t, protocol.LoginOKNew, readText(t, bob))
	assert.Equal(t, protocol.Status("bob", true), readText(t, alice))

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("SUBSCRIBE:bob:news")))
	assert.Equal(t, protocol.Subscribed("news"), readText(t, bob))

	assert.True(t, b.Sessions().IsOnline("alice"))
	assert.True(t, b.Store().UserExists("bob"))
}

func TestDisconnectGoesOffline(t *testing.T) {
	b, ts := newTestServer(t, nil)

	ws := dial(t, ts, nil)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("CREATE_USER:carol")))
	assert.Equal(t, protocol.LoginOKNew, readText(t, ws))

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return !b.Sessions().IsOnline("carol") }, time.Second, 5*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin header", nil, "", "broker:8083", true},
		{"same origin", nil, "http://broker:8083", "broker:8083", true},
		{"foreign origin rejected", nil, "http://evil.example", "broker:8083", false},
		{"listed origin", []string{"https://app.example"}, "https://app.example", "broker:8083", true},
		{"wildcard", []string{"*"}, "http://evil.example", "broker:8083", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}

func TestForeignOriginUpgradeRejected(t *testing.T) {
	_, ts := newTestServer(t, []string{"https://app.example"})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestListenShutsDown(t *testing.T) {
	b := broker.New(broker.Options{Logger: quietLogger()})
	s := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, b, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listen did not return after cancel")
	}
}
