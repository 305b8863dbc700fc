// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/absmach/mombroker/broker/events"
	"github.com/absmach/mombroker/store"
)

var (
	// ErrInvalidName is returned for empty names or names containing a delimiter.
	ErrInvalidName = errors.New("invalid name")
	// ErrUserExists is returned when creating a user that is already registered.
	ErrUserExists = errors.New("user already exists")
)

// View is a read-only snapshot of broker state for the dashboard.
type View struct {
	Queues          []store.QueueInfo `json:"queues"`
	Topics          []store.TopicInfo `json:"topics"`
	Users           []string          `json:"users"`
	Online          []string          `json:"online"`
	OfflineMessages map[string]int    `json:"offlineMessages"`
	Logs            []LogEntry        `json:"logs"`
}

// View collects the dashboard snapshot. Logs are most recent first.
func (b *Broker) View() View {
	online := make([]string, 0)
	for _, bnd := range b.sessions.AllOnline() {
		online = append(online, bnd.User)
	}

	return View{
		Queues:          b.store.Queues(),
		Topics:          b.store.Topics(),
		Users:           b.store.Users(),
		Online:          online,
		OfflineMessages: b.store.OfflineCounts(),
		Logs:            b.Logs(0),
	}
}

// Logs returns up to n captured log records, most recent first.
func (b *Broker) Logs(n int) []LogEntry {
	if b.feed == nil {
		return []LogEntry{}
	}
	return b.feed.Recent(n)
}

// CreateQueue adds a queue on behalf of the dashboard.
func (b *Broker) CreateQueue(ctx context.Context, name string) error {
	if !validName(name) {
		return ErrInvalidName
	}
	b.store.AddQueue(name)
	b.persist(ctx)
	b.notify(ctx, events.QueueCreated{Name: name, Source: events.SourceDashboard})
	b.logger.Info("queue created", slog.String("queue", name), slog.String("source", events.SourceDashboard))
	return nil
}

// CreateTopic adds a topic on behalf of the dashboard. It reports whether
// the topic is new.
func (b *Broker) CreateTopic(ctx context.Context, name string) (bool, error) {
	if !validName(name) {
		return false, ErrInvalidName
	}
	if !b.store.AddTopic(name) {
		return false, nil
	}
	b.persist(ctx)
	b.notify(ctx, events.TopicCreated{TopicName: name, Source: events.SourceDashboard})
	b.logger.Info("topic created", slog.String("topic", name), slog.String("source", events.SourceDashboard))
	return true, nil
}

// CreateUser registers a user on behalf of the dashboard. The user stays
// offline until it logs in.
func (b *Broker) CreateUser(ctx context.Context, name string) error {
	if !validName(name) || strings.Contains(name, "|") {
		return ErrInvalidName
	}
	if !b.store.CreateUser(name) {
		return ErrUserExists
	}
	b.persist(ctx)
	b.notify(ctx, events.UserCreated{User: name, Source: events.SourceDashboard})
	b.logger.Info("user created", slog.String("user", name), slog.String("source", events.SourceDashboard))
	return nil
}

func validName(name string) bool {
	return strings.TrimSpace(name) != "" && !strings.ContainsAny(name, ":\n")
}
