// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/mombroker/broker"
	"github.com/absmach/mombroker/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, start bool) (*broker.Broker, *memory.Gateway, http.Handler) {
	t.Helper()

	feed := broker.NewLogFeed(50)
	logger := slog.New(feed.Handler(slog.NewTextHandler(io.Discard, nil)))
	gw := memory.New()
	b := broker.New(broker.Options{Gateway: gw, Logger: logger, LogFeed: feed, HeartbeatInterval: time.Hour})
	if start {
		b.Start(context.Background())
	}
	t.Cleanup(func() { b.Close() })

	return b, gw, New(Config{}, b, logger).Handler()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func TestHealth(t *testing.T) {
	_, _, h := newTestServer(t, false)

	rec := do(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)

	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodPost, "/health", "").Code)
}

func TestReady(t *testing.T) {
	b, _, h := newTestServer(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/ready", "").Code)

	b.Start(context.Background())
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/ready", "").Code)

	b.Close()
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/ready", "").Code)
}

func TestCreateEndpoints(t *testing.T) {
	_, gw, h := newTestServer(t, true)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"create queue", "/api/queues", `{"name":"jobs"}`, http.StatusCreated},
		{"create topic", "/api/topics", `{"name":"news"}`, http.StatusCreated},
		{"existing topic", "/api/topics", `{"name":"news"}`, http.StatusOK},
		{"create user", "/api/users", `{"name":"alice"}`, http.StatusCreated},
		{"duplicate user", "/api/users", `{"name":"alice"}`, http.StatusConflict},
		{"invalid user", "/api/users", `{"name":"a:b"}`, http.StatusBadRequest},
		{"empty queue", "/api/queues", `{"name":""}`, http.StatusBadRequest},
		{"malformed body", "/api/topics", `{"name":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	// queue, topic and user were persisted; duplicates and rejects were not.
	assert.Equal(t, 3, gw.Saves())
}

func TestSnapshotEndpoint(t *testing.T) {
	b, _, h := newTestServer(t, true)
	ctx := context.Background()
	require.NoError(t, b.CreateUser(ctx, "alice"))
	require.NoError(t, b.CreateQueue(ctx, "jobs"))
	b.Store().Subscribe("alice", "news")
	b.Store().QueueOffline("alice", "bob: hi")

	rec := do(h, http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view broker.View
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	assert.Equal(t, []string{"alice"}, view.Users)
	assert.Empty(t, view.Online)
	require.Len(t, view.Topics, 1)
	assert.Equal(t, "news", view.Topics[0].Name)
	assert.Equal(t, []string{"alice"}, view.Topics[0].Subscribers)
	assert.Equal(t, 1, view.OfflineMessages["alice"])
	assert.NotEmpty(t, view.Logs)
}

func TestStatsEndpoint(t *testing.T) {
	b, _, h := newTestServer(t, true)
	b.Stats().IncrementCommands()

	rec := do(h, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats broker.StatsSnapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, uint64(1), stats.Commands)
}

func TestLogsEndpoint(t *testing.T) {
	b, _, h := newTestServer(t, true)
	ctx := context.Background()
	require.NoError(t, b.CreateUser(ctx, "alice"))
	require.NoError(t, b.CreateUser(ctx, "bob"))

	rec := do(h, http.MethodGet, "/api/logs?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var logs []broker.LogEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&logs))
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, "user=bob")

	assert.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/api/logs?limit=-2", "").Code)
}

func TestListenServesAndStops(t *testing.T) {
	b := broker.New(broker.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	s := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, b, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	assert.NoError(t, <-errCh)
}
