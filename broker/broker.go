// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the message broker engine: the command
// dispatcher, per-connection read loops, the heartbeat monitor and snapshot
// persistence.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/mombroker/broker/events"
	"github.com/absmach/mombroker/ratelimit"
	"github.com/absmach/mombroker/session"
	"github.com/absmach/mombroker/storage"
	"github.com/absmach/mombroker/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second

	saveTimeout = 10 * time.Second
	tracerName  = "github.com/absmach/mombroker/broker"
)

// Options configures a Broker. Zero values select defaults.
type Options struct {
	ID                string
	Limits            store.Limits
	Gateway           storage.Gateway
	Notifier          Notifier
	RateLimiter       *ratelimit.Manager
	Metrics           Metrics
	Logger            *slog.Logger
	LogFeed           *LogFeed
	StrictProtocol    bool
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Broker routes direct messages and topic broadcasts between connected
// users and buffers messages for offline ones.
type Broker struct {
	id       string
	store    *store.Store
	sessions *session.Table
	gateway  storage.Gateway
	notifier Notifier
	limiter  *ratelimit.Manager
	metrics  Metrics
	tracer   trace.Tracer
	feed     *LogFeed
	stats    *Stats
	logger   *slog.Logger
	strict   bool

	hbInterval time.Duration
	hbTimeout  time.Duration

	// persistMu orders snapshot writes.
	persistMu sync.Mutex

	conns   sync.Map // conn ID -> session.Conn
	running atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	started sync.Once
	wg      sync.WaitGroup
}

// New creates a broker with an empty store. Call Start to restore the last
// snapshot and begin heartbeating.
func New(opts Options) *Broker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.ID == "" {
		opts.ID = "broker-1"
	}

	return &Broker{
		id:         opts.ID,
		store:      store.New(opts.Limits),
		sessions:   session.NewTable(),
		gateway:    opts.Gateway,
		notifier:   opts.Notifier,
		limiter:    opts.RateLimiter,
		metrics:    opts.Metrics,
		tracer:     otel.Tracer(tracerName),
		feed:       opts.LogFeed,
		stats:      NewStats(),
		logger:     opts.Logger,
		strict:     opts.StrictProtocol,
		hbInterval: opts.HeartbeatInterval,
		hbTimeout:  opts.HeartbeatTimeout,
		stopCh:     make(chan struct{}),
	}
}

// Start restores the persisted state and launches the heartbeat monitor.
// Calling it more than once has no effect.
func (b *Broker) Start(ctx context.Context) {
	b.started.Do(func() {
		b.Restore(ctx)

		b.wg.Add(1)
		go b.heartbeatLoop()
		b.running.Store(true)

		b.logger.Info("broker started",
			slog.String("id", b.id),
			slog.Duration("heartbeat_interval", b.hbInterval),
			slog.Duration("heartbeat_timeout", b.hbTimeout))
	})
}

// Restore replaces the store contents with the persisted snapshot. A missing
// or unreadable snapshot leaves an empty store.
func (b *Broker) Restore(ctx context.Context) {
	if b.gateway == nil {
		return
	}

	snap, err := b.gateway.Load(ctx)
	switch {
	case err == nil:
		b.store.Restore(snap)
		b.logger.Info("snapshot restored",
			slog.Int("users", len(snap.Users)),
			slog.Int("topics", len(snap.Topics)),
			slog.Int("queues", len(snap.Queues)))
	case errors.Is(err, storage.ErrNotFound):
		b.logger.Info("no snapshot found, starting empty")
	default:
		b.logger.Warn("failed to load snapshot, starting empty", slog.String("error", err.Error()))
	}
}

// Close stops the heartbeat monitor, closes every live connection and
// writes a final snapshot.
func (b *Broker) Close() error {
	b.stopped.Do(func() {
		b.running.Store(false)
		close(b.stopCh)
		b.wg.Wait()

		b.conns.Range(func(_, v any) bool {
			_ = v.(session.Conn).Close()
			return true
		})
		b.persist(context.Background())
		b.logger.Info("broker stopped")
	})
	return nil
}

// Running reports whether the broker has started and not yet closed.
func (b *Broker) Running() bool { return b.running.Load() }

// ID returns the broker identifier used in event envelopes.
func (b *Broker) ID() string { return b.id }

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats { return b.stats }

// Store exposes the domain store.
func (b *Broker) Store() *store.Store { return b.store }

// Sessions exposes the session table.
func (b *Broker) Sessions() *session.Table { return b.sessions }

// persist writes a snapshot. Failures are logged and counted; the in-memory
// state stays authoritative.
func (b *Broker) persist(ctx context.Context) {
	if b.gateway == nil {
		return
	}

	b.persistMu.Lock()
	defer b.persistMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	start := time.Now()
	err := b.gateway.Save(ctx, b.store.Snapshot())
	b.metrics.RecordSnapshot(time.Since(start), err)
	if err != nil {
		b.stats.IncrementPersistFailures()
		b.logger.Error("failed to persist snapshot", slog.String("error", err.Error()))
		return
	}
	b.stats.IncrementSnapshots()
}

func (b *Broker) notify(ctx context.Context, ev events.Event) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(ctx, ev); err != nil {
		b.logger.Debug("event notification failed",
			slog.String("event_type", ev.Type()),
			slog.String("error", err.Error()))
	}
}
