// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultLogFeedSize is the number of records a LogFeed keeps by default.
const DefaultLogFeedSize = 200

// LogEntry is one record captured by a LogFeed.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// LogFeed keeps the most recent log records in a fixed-size ring.
type LogFeed struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogFeed creates a feed holding up to size records.
func NewLogFeed(size int) *LogFeed {
	if size <= 0 {
		size = DefaultLogFeedSize
	}
	return &LogFeed{entries: make([]LogEntry, size)}
}

// Handler wraps inner so that every record it accepts is also captured.
func (f *LogFeed) Handler(inner slog.Handler) slog.Handler {
	return &feedHandler{feed: f, inner: inner}
}

func (f *LogFeed) add(e LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries[f.next] = e
	f.next = (f.next + 1) % len(f.entries)
	if f.next == 0 {
		f.full = true
	}
}

// Recent returns up to n records, most recent first. n <= 0 returns all.
func (f *LogFeed) Recent(n int) []LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := f.next
	if f.full {
		count = len(f.entries)
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]LogEntry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (f.next - i + len(f.entries)) % len(f.entries)
		out = append(out, f.entries[idx])
	}
	return out
}

type feedHandler struct {
	feed   *LogFeed
	inner  slog.Handler
	prefix string
	attrs  string
}

func (h *feedHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *feedHandler) Handle(ctx context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Message)
	sb.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, h.prefix, a)
		return true
	})

	h.feed.add(LogEntry{Time: r.Time, Level: r.Level.String(), Message: sb.String()})
	return h.inner.Handle(ctx, r)
}

func (h *feedHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var sb strings.Builder
	sb.WriteString(h.attrs)
	for _, a := range attrs {
		writeAttr(&sb, h.prefix, a)
	}
	return &feedHandler{feed: h.feed, inner: h.inner.WithAttrs(attrs), prefix: h.prefix, attrs: sb.String()}
}

func (h *feedHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &feedHandler{feed: h.feed, inner: h.inner.WithGroup(name), prefix: h.prefix + name + ".", attrs: h.attrs}
}

func writeAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		group := prefix
		if a.Key != "" {
			group += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			writeAttr(sb, group, ga)
		}
		return
	}
	sb.WriteByte(' ')
	sb.WriteString(prefix)
	sb.WriteString(a.Key)
	sb.WriteByte('=')
	sb.WriteString(a.Value.String())
}
