// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/mombroker/broker/events"
	"github.com/absmach/mombroker/protocol"
)

// heartbeatLoop ticks immediately and then every interval.
func (b *Broker) heartbeatLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.hbInterval)
	defer ticker.Stop()

	b.heartbeat(time.Now())
	for {
		select {
		case <-b.stopCh:
			return
		case now := <-ticker.C:
			b.heartbeat(now)
		}
	}
}

// heartbeat pings every bound connection once, then evicts sessions whose
// last PONG (or bind) is older than the timeout.
func (b *Broker) heartbeat(now time.Time) {
	pinged := make(map[string]struct{})
	for _, bnd := range b.sessions.AllOnline() {
		if _, ok := pinged[bnd.Conn.ID()]; ok {
			continue
		}
		pinged[bnd.Conn.ID()] = struct{}{}
		_ = b.send(bnd.Conn, protocol.Ping, ClassControl)
	}

	for _, bnd := range b.sessions.Expired(now, b.hbTimeout) {
		// Skipped when a PONG, a rebind or a teardown landed since Expired.
		if !b.sessions.RemoveIfExpired(bnd.User, bnd.Conn, now, b.hbTimeout) {
			continue
		}

		b.stats.IncrementEvictions()
		b.metrics.RecordEviction()
		b.logger.Warn("session heartbeat timeout",
			slog.String("user", bnd.User),
			slog.Duration("silent_for", now.Sub(bnd.LastSeen)))

		b.goOffline(context.Background(), bnd.User, bnd.Conn, events.ReasonTimeout)
		_ = bnd.Conn.Close()
	}
}
