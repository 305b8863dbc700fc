// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/absmach/mombroker/broker/events"
	"github.com/absmach/mombroker/protocol"
	"github.com/absmach/mombroker/session"
)

// HandleConnection runs the read loop for conn until the peer goes away,
// a read fails or ctx is cancelled. Commands from one connection are
// handled strictly in order.
func (b *Broker) HandleConnection(ctx context.Context, conn session.Conn) {
	if !b.limiter.Allow(conn.RemoteAddr()) {
		b.stats.IncrementRejected()
		b.logger.Warn("connection rate limit exceeded", slog.String("remote", remote(conn)))
		_ = conn.Close()
		return
	}

	b.conns.Store(conn.ID(), conn)
	b.stats.IncrementConnections()
	b.metrics.RecordConnection()
	b.logger.Debug("connection opened",
		slog.String("conn", conn.ID()),
		slog.String("remote", remote(conn)))

	var once sync.Once
	teardown := func(reason string) {
		once.Do(func() { b.teardown(ctx, conn, reason) })
	}
	defer teardown(events.ReasonDisconnect)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			b.logReadError(conn, err)
			return
		}
		b.stats.AddBytesReceived(len(frame))
		b.Dispatch(ctx, conn, frame)
	}
}

// teardown unbinds every user still mapped to conn, announces them offline
// and closes the connection.
func (b *Broker) teardown(ctx context.Context, conn session.Conn, reason string) {
	users := b.sessions.Unbind(conn)
	_ = conn.Close()
	b.conns.Delete(conn.ID())

	for _, user := range users {
		b.goOffline(ctx, user, conn, reason)
	}

	b.stats.DecrementConnections()
	b.metrics.RecordDisconnection(reason)
	b.logger.Debug("connection closed",
		slog.String("conn", conn.ID()),
		slog.Any("users", users))
}

// goOffline announces that user has left. The caller has already removed
// the session.
func (b *Broker) goOffline(ctx context.Context, user string, conn session.Conn, reason string) {
	b.broadcastStatus(user, false, conn)
	b.limiter.Forget(user)
	b.metrics.RecordPresence(false)
	b.notify(ctx, events.UserOffline{User: user, Reason: reason})
	b.logger.Info("user offline", slog.String("user", user), slog.String("reason", reason))
}

// broadcastStatus sends a presence change to every connection except the
// one belonging to user. Each connection is notified once.
func (b *Broker) broadcastStatus(user string, online bool, own session.Conn) {
	msg := protocol.Status(user, online)
	seen := make(map[string]struct{})
	if own != nil {
		seen[own.ID()] = struct{}{}
	}

	for _, bnd := range b.sessions.AllOnline() {
		if bnd.User == user {
			continue
		}
		if _, ok := seen[bnd.Conn.ID()]; ok {
			continue
		}
		seen[bnd.Conn.ID()] = struct{}{}
		_ = b.send(bnd.Conn, msg, ClassControl)
	}
}

// send writes one reply and accounts for it.
func (b *Broker) send(conn session.Conn, msg, class string) error {
	if err := conn.Send(msg); err != nil {
		b.logger.Debug("send failed",
			slog.String("conn", conn.ID()),
			slog.String("error", err.Error()))
		return err
	}
	b.stats.AddBytesSent(len(msg))
	b.metrics.RecordDelivery(class, len(msg))
	return nil
}

func (b *Broker) logReadError(conn session.Conn, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, session.ErrConnClosed):
		b.logger.Debug("connection ended", slog.String("conn", conn.ID()))
	case errors.As(err, &netErr) && netErr.Timeout():
		b.logger.Debug("connection read timeout", slog.String("conn", conn.ID()))
	default:
		b.logger.Warn("connection read failed",
			slog.String("conn", conn.ID()),
			slog.String("error", err.Error()))
	}
}

func remote(conn session.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
