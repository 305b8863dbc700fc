// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/mombroker/broker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/mombroker"

var _ broker.Metrics = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the broker.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	commandsTotal       metric.Int64Counter
	deliveriesTotal     metric.Int64Counter
	bytesSent           metric.Int64Counter
	offlineQueued       metric.Int64Counter
	evictionsTotal      metric.Int64Counter
	snapshotsTotal      metric.Int64Counter
	persistFailures     metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent metric.Int64UpDownCounter
	usersOnline        metric.Int64UpDownCounter

	// Histograms
	commandDuration  metric.Float64Histogram
	snapshotDuration metric.Float64Histogram
}

// NewMetrics creates the broker instruments on mp, or on the global meter
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{meter: mp.Meter(meterName)}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.connectionsTotal, "mombroker.connections.total", "Total number of accepted connections"},
		{&m.disconnectionsTotal, "mombroker.disconnections.total", "Total number of closed connections by reason"},
		{&m.commandsTotal, "mombroker.commands.total", "Total commands dispatched by kind"},
		{&m.deliveriesTotal, "mombroker.deliveries.total", "Total replies written by class"},
		{&m.bytesSent, "mombroker.bytes.sent.total", "Total bytes written to clients"},
		{&m.offlineQueued, "mombroker.offline.queued.total", "Messages queued for offline users by class"},
		{&m.evictionsTotal, "mombroker.heartbeat.evictions.total", "Sessions evicted for missing heartbeats"},
		{&m.snapshotsTotal, "mombroker.snapshots.total", "Snapshots written"},
		{&m.persistFailures, "mombroker.snapshots.failures.total", "Snapshot writes that failed"},
	}
	for _, c := range counters {
		inst, err := m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = inst
	}

	var err error
	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"mombroker.connections.current",
		metric.WithDescription("Current number of open connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.usersOnline, err = m.meter.Int64UpDownCounter(
		"mombroker.users.online",
		metric.WithDescription("Number of users bound to a connection"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usersOnline gauge: %w", err)
	}

	m.commandDuration, err = m.meter.Float64Histogram(
		"mombroker.command.duration.ms",
		metric.WithDescription("Command processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandDuration histogram: %w", err)
	}

	m.snapshotDuration, err = m.meter.Float64Histogram(
		"mombroker.snapshot.duration.ms",
		metric.WithDescription("Snapshot write duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshotDuration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordConnection() {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
}

func (m *Metrics) RecordDisconnection(reason string) {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
	m.connectionsCurrent.Add(ctx, -1)
}

func (m *Metrics) RecordCommand(kind string, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("command", kind))
	m.commandsTotal.Add(ctx, 1, attrs)
	m.commandDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}

func (m *Metrics) RecordDelivery(class string, sizeBytes int) {
	ctx := context.Background()
	m.deliveriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
	))
	m.bytesSent.Add(ctx, int64(sizeBytes))
}

func (m *Metrics) RecordOfflineQueued(class string) {
	m.offlineQueued.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("class", class),
	))
}

func (m *Metrics) RecordEviction() {
	m.evictionsTotal.Add(context.Background(), 1)
}

// RecordPresence tracks the number of bound users.
func (m *Metrics) RecordPresence(online bool) {
	delta := int64(-1)
	if online {
		delta = 1
	}
	m.usersOnline.Add(context.Background(), delta)
}

func (m *Metrics) RecordSnapshot(d time.Duration, err error) {
	ctx := context.Background()
	m.snapshotDuration.Record(ctx, float64(d)/float64(time.Millisecond))
	if err != nil {
		m.persistFailures.Add(ctx, 1)
		return
	}
	m.snapshotsTotal.Add(ctx, 1)
}
