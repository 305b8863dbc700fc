// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/mombroker/broker/events"
	"github.com/absmach/mombroker/protocol"
	"github.com/absmach/mombroker/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatch parses one frame received on conn and executes it. A snapshot is
// written after every command that changed state.
func (b *Broker) Dispatch(ctx context.Context, conn session.Conn, frame string) {
	cmd := protocol.Parse(frame)
	kind := cmd.Kind().String()

	ctx, span := b.tracer.Start(ctx, "broker."+kind,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("conn.id", conn.ID())))
	defer span.End()

	start := time.Now()
	b.stats.IncrementCommands()

	if b.execute(ctx, conn, cmd) && protocol.Mutating(cmd) {
		b.persist(ctx)
	}
	b.metrics.RecordCommand(kind, time.Since(start))
}

// execute reports whether cmd changed state.
func (b *Broker) execute(ctx context.Context, conn session.Conn, cmd protocol.Command) bool {
	switch c := cmd.(type) {
	case protocol.CreateUser:
		return b.createUser(ctx, conn, c.Name)
	case protocol.LoginUser:
		return b.loginUser(ctx, conn, c.Name)
	case protocol.Pong:
		b.sessions.Touch(c.Name, time.Now())
		return false
	case protocol.Typing:
		if target, ok := b.sessions.Find(c.Target); ok {
			_ = b.send(target, protocol.TypingIndicator(c.Sender), ClassControl)
		}
		return false
	case protocol.DirectMessage:
		return b.directMessage(ctx, conn, c)
	case protocol.TopicMessage:
		return b.topicMessage(ctx, conn, c)
	case protocol.Subscribe:
		return b.subscribe(ctx, conn, c)
	case protocol.Unsubscribe:
		return b.unsubscribe(ctx, conn, c)
	case protocol.AddQueue:
		b.store.AddQueue(c.Name)
		_ = b.send(conn, protocol.QueueAdded(c.Name), ClassControl)
		b.notify(ctx, events.QueueCreated{Name: c.Name, Source: events.SourceProtocol})
		return true
	case protocol.AddTopic:
		created := b.store.AddTopic(c.Name)
		_ = b.send(conn, protocol.TopicAdded(c.Name), ClassControl)
		if created {
			b.notify(ctx, events.TopicCreated{TopicName: c.Name, Source: events.SourceProtocol})
		}
		return created
	case protocol.ListQueues:
		b.listQueues(conn)
		return false
	case protocol.ListTopics:
		b.listTopics(conn)
		return false
	case protocol.Unknown:
		b.reject(conn, c.Reason, c.Raw)
		return false
	}
	return false
}

func (b *Broker) createUser(ctx context.Context, conn session.Conn, name string) bool {
	if !b.store.CreateUser(name) {
		_ = b.send(conn, protocol.LoginFail, ClassControl)
		b.logger.Info("user creation rejected", slog.String("user", name))
		return false
	}

	b.bind(name, conn)
	_ = b.send(conn, protocol.LoginOKNew, ClassControl)
	b.broadcastStatus(name, true, conn)

	b.notify(ctx, events.UserCreated{User: name, Source: events.SourceProtocol, RemoteAddr: remote(conn)})
	b.notify(ctx, events.UserOnline{User: name, RemoteAddr: remote(conn)})
	b.logger.Info("user created", slog.String("user", name))
	return true
}

// loginUser replays the offline backlog, then sends the history payload.
func (b *Broker) loginUser(ctx context.Context, conn session.Conn, name string) bool {
	if !b.store.UserExists(name) {
		_ = b.send(conn, protocol.LoginFail, ClassControl)
		b.logger.Info("login rejected", slog.String("user", name))
		return false
	}

	b.bind(name, conn)

	backlog := b.store.DrainOffline(name)
	for _, msg := range backlog {
		_ = b.send(conn, protocol.Offline(msg), ClassReplay)
	}
	b.stats.AddOfflineReplayed(len(backlog))

	h := b.store.HistoryFor(name)
	reply, err := protocol.LoginOKExisting(protocol.LoginPayload{
		Topics:       h.Topics,
		DMs:          h.Contacts,
		DMHistory:    h.DMHistory,
		TopicHistory: h.TopicHistory,
	})
	if err != nil {
		b.logger.Error("failed to build login payload", slog.String("user", name), slog.String("error", err.Error()))
		reply = protocol.LoginFail
	}
	_ = b.send(conn, reply, ClassControl)
	b.broadcastStatus(name, true, conn)

	b.notify(ctx, events.UserOnline{User: name, Existing: true, Replayed: len(backlog), RemoteAddr: remote(conn)})
	b.logger.Info("user logged in", slog.String("user", name), slog.Int("replayed", len(backlog)))
	return true
}

// bind maps name to conn. A different connection previously bound to name
// is closed.
func (b *Broker) bind(name string, conn session.Conn) {
	if !b.sessions.IsOnline(name) {
		b.metrics.RecordPresence(true)
	}
	if prev := b.sessions.Bind(name, conn); prev != nil {
		b.logger.Info("session taken over",
			slog.String("user", name),
			slog.String("old_conn", prev.ID()),
			slog.String("new_conn", conn.ID()))
		_ = prev.Close()
	}
}

func (b *Broker) directMessage(ctx context.Context, conn session.Conn, c protocol.DirectMessage) bool {
	if !b.limiter.AllowMessage(c.Sender) {
		b.rateLimited(conn, c.Sender, c.Kind())
		return false
	}

	text := protocol.FormatDirectMessage(c.Sender, c.Body, c.Timestamp)
	b.store.RecordDM(c.Sender, c.Recipient, text)

	senderConn := conn
	if bound, ok := b.sessions.Find(c.Sender); ok {
		senderConn = bound
	}

	delivered := false
	if rc, ok := b.sessions.Find(c.Recipient); ok {
		delivered = b.send(rc, text, ClassDM) == nil
	}
	if delivered {
		b.stats.IncrementDMsDelivered()
		_ = b.send(senderConn, protocol.Delivered(c.Body), ClassControl)
	} else {
		b.store.QueueOffline(c.Recipient, text)
		b.stats.IncrementOfflineQueued()
		b.metrics.RecordOfflineQueued(ClassDM)
		_ = b.send(senderConn, protocol.Sent(c.Body), ClassControl)
	}

	b.notify(ctx, events.DMSent{Sender: c.Sender, Recipient: c.Recipient, Delivered: delivered, BodySize: len(c.Body)})
	return true
}

// topicMessage subscribes the sender and fans the message out to every
// subscriber. Each live delivery is appended to the topic history.
func (b *Broker) topicMessage(ctx context.Context, conn session.Conn, c protocol.TopicMessage) bool {
	if !b.limiter.AllowMessage(c.Sender) {
		b.rateLimited(conn, c.Sender, c.Kind())
		return false
	}

	text := protocol.FormatTopicMessage(c.Topic, c.Sender, c.Body)
	var delivered, queued int
	for _, sub := range b.store.SubscribeAndList(c.Sender, c.Topic) {
		if sc, ok := b.sessions.Find(sub); ok && b.send(sc, text, ClassTopic) == nil {
			b.store.RecordTopicMessage(c.Topic, text)
			b.stats.IncrementTopicDelivered()
			delivered++
			continue
		}
		b.store.QueueOffline(sub, text)
		b.stats.IncrementOfflineQueued()
		b.metrics.RecordOfflineQueued(ClassTopic)
		queued++
	}

	b.notify(ctx, events.TopicPublished{
		Sender:    c.Sender,
		TopicName: c.Topic,
		Delivered: delivered,
		Queued:    queued,
		BodySize:  len(c.Body),
	})
	return true
}

func (b *Broker) subscribe(ctx context.Context, conn session.Conn, c protocol.Subscribe) bool {
	if !b.limiter.AllowSubscribe(c.User) {
		b.rateLimited(conn, c.User, c.Kind())
		return false
	}

	if b.store.Subscribe(c.User, c.Topic) {
		b.stats.IncrementSubscriptions()
		b.notify(ctx, events.TopicSubscribed{User: c.User, TopicName: c.Topic})
	}
	_ = b.send(conn, protocol.Subscribed(c.Topic), ClassControl)
	return true
}

func (b *Broker) unsubscribe(ctx context.Context, conn session.Conn, c protocol.Unsubscribe) bool {
	if !b.limiter.AllowSubscribe(c.User) {
		b.rateLimited(conn, c.User, c.Kind())
		return false
	}

	removed := b.store.Unsubscribe(c.User, c.Topic)
	if removed {
		b.stats.IncrementUnsubscriptions()
		b.notify(ctx, events.TopicUnsubscribed{User: c.User, TopicName: c.Topic})
	}
	_ = b.send(conn, protocol.Unsubscribed(c.Topic), ClassControl)
	return removed
}

func (b *Broker) listQueues(conn session.Conn) {
	queues := b.store.Queues()
	if len(queues) == 0 {
		return
	}
	lines := make([]string, 0, len(queues))
	for _, q := range queues {
		lines = append(lines, fmt.Sprintf("%s (%d msgs)", q.Name, q.Messages))
	}
	_ = b.send(conn, strings.Join(lines, "\n"), ClassControl)
}

func (b *Broker) listTopics(conn session.Conn) {
	topics := b.store.Topics()
	if len(topics) == 0 {
		return
	}
	names := make([]string, 0, len(topics))
	for _, t := range topics {
		names = append(names, t.Name)
	}
	_ = b.send(conn, strings.Join(names, "\n"), ClassControl)
}

// reject handles a frame that is not a valid command: dropped, or answered
// with PROTOCOL_ERROR in strict mode.
func (b *Broker) reject(conn session.Conn, reason, raw string) {
	b.stats.IncrementProtocolErrors()
	b.logger.Debug("malformed frame",
		slog.String("conn", conn.ID()),
		slog.String("reason", reason),
		slog.Int("size", len(raw)))
	if b.strict {
		_ = b.send(conn, protocol.ProtocolError(reason), ClassControl)
	}
}

func (b *Broker) rateLimited(conn session.Conn, user string, kind protocol.Kind) {
	b.stats.IncrementRateLimited()
	b.logger.Warn("command rate limit exceeded",
		slog.String("user", user),
		slog.String("command", kind.String()))
	if b.strict {
		_ = b.send(conn, protocol.ProtocolError(protocol.ReasonRateLimited), ClassControl)
	}
}
