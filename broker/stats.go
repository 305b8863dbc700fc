// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections   atomic.Uint64
	currentConnections atomic.Int64
	disconnections     atomic.Uint64
	rejected           atomic.Uint64
	evictions          atomic.Uint64

	// Command stats
	commands       atomic.Uint64
	protocolErrors atomic.Uint64
	rateLimited    atomic.Uint64

	// Message stats
	dmsDelivered    atomic.Uint64
	topicDelivered  atomic.Uint64
	offlineQueued   atomic.Uint64
	offlineReplayed atomic.Uint64

	// Byte stats
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	// Subscription stats
	subscriptions   atomic.Uint64
	unsubscriptions atomic.Uint64

	// Persistence stats
	snapshots       atomic.Uint64
	persistFailures atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Uptime             string `json:"uptime"`
	TotalConnections   uint64 `json:"total_connections"`
	CurrentConnections int64  `json:"current_connections"`
	Disconnections     uint64 `json:"disconnections"`
	Rejected           uint64 `json:"rejected_connections"`
	Evictions          uint64 `json:"evictions"`
	Commands           uint64 `json:"commands"`
	ProtocolErrors     uint64 `json:"protocol_errors"`
	RateLimited        uint64 `json:"rate_limited"`
	DMsDelivered       uint64 `json:"dms_delivered"`
	TopicDelivered     uint64 `json:"topic_delivered"`
	OfflineQueued      uint64 `json:"offline_queued"`
	OfflineReplayed    uint64 `json:"offline_replayed"`
	BytesReceived      uint64 `json:"bytes_received"`
	BytesSent          uint64 `json:"bytes_sent"`
	Subscriptions      uint64 `json:"subscriptions"`
	Unsubscriptions    uint64 `json:"unsubscriptions"`
	Snapshots          uint64 `json:"snapshots"`
	PersistFailures    uint64 `json:"persist_failures"`
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Connection tracking.
func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(-1)
	s.disconnections.Add(1)
}

func (s *Stats) IncrementRejected()  { s.rejected.Add(1) }
func (s *Stats) IncrementEvictions() { s.evictions.Add(1) }

func (s *Stats) GetCurrentConnections() int64 {
	return s.currentConnections.Load()
}

// Command tracking.
func (s *Stats) IncrementCommands()       { s.commands.Add(1) }
func (s *Stats) IncrementProtocolErrors() { s.protocolErrors.Add(1) }
func (s *Stats) IncrementRateLimited()    { s.rateLimited.Add(1) }

// Delivery tracking.
func (s *Stats) IncrementDMsDelivered()      { s.dmsDelivered.Add(1) }
func (s *Stats) IncrementTopicDelivered()    { s.topicDelivered.Add(1) }
func (s *Stats) IncrementOfflineQueued()     { s.offlineQueued.Add(1) }
func (s *Stats) AddOfflineReplayed(n int)    { s.offlineReplayed.Add(uint64(n)) }
func (s *Stats) AddBytesReceived(n int)      { s.bytesReceived.Add(uint64(n)) }
func (s *Stats) AddBytesSent(n int)          { s.bytesSent.Add(uint64(n)) }
func (s *Stats) IncrementSubscriptions()     { s.subscriptions.Add(1) }
func (s *Stats) IncrementUnsubscriptions()   { s.unsubscriptions.Add(1) }
func (s *Stats) IncrementSnapshots()         { s.snapshots.Add(1) }
func (s *Stats) IncrementPersistFailures()   { s.persistFailures.Add(1) }
func (s *Stats) GetPersistFailures() uint64  { return s.persistFailures.Load() }
func (s *Stats) GetOfflineQueued() uint64    { return s.offlineQueued.Load() }
func (s *Stats) GetProtocolErrors() uint64   { return s.protocolErrors.Load() }
func (s *Stats) GetUptime() time.Duration    { return time.Since(s.startTime) }
func (s *Stats) GetTotalConnections() uint64 { return s.totalConnections.Load() }
func (s *Stats) GetEvictions() uint64        { return s.evictions.Load() }

// Snapshot copies every counter.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Uptime:             s.GetUptime().Truncate(time.Second).String(),
		TotalConnections:   s.totalConnections.Load(),
		CurrentConnections: s.currentConnections.Load(),
		Disconnections:     s.disconnections.Load(),
		Rejected:           s.rejected.Load(),
		Evictions:          s.evictions.Load(),
		Commands:           s.commands.Load(),
		ProtocolErrors:     s.protocolErrors.Load(),
		RateLimited:        s.rateLimited.Load(),
		DMsDelivered:       s.dmsDelivered.Load(),
		TopicDelivered:     s.topicDelivered.Load(),
		OfflineQueued:      s.offlineQueued.Load(),
		OfflineReplayed:    s.offlineReplayed.Load(),
		BytesReceived:      s.bytesReceived.Load(),
		BytesSent:          s.bytesSent.Load(),
		Subscriptions:      s.subscriptions.Load(),
		Unsubscriptions:    s.unsubscriptions.Load(),
		Snapshots:          s.snapshots.Load(),
		PersistFailures:    s.persistFailures.Load(),
	}
}
