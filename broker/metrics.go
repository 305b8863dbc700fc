// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "time"

// Metrics receives instrumentation callbacks from the broker.
type Metrics interface {
	RecordConnection()
	RecordDisconnection(reason string)
	RecordCommand(kind string, d time.Duration)
	RecordDelivery(class string, sizeBytes int)
	RecordOfflineQueued(class string)
	RecordEviction()
	RecordPresence(online bool)
	RecordSnapshot(d time.Duration, err error)
}

// Delivery classes.
const (
	ClassDM      = "dm"
	ClassTopic   = "topic"
	ClassReplay  = "replay"
	ClassControl = "control"
)

type noopMetrics struct{}

func (noopMetrics) RecordConnection()                   {}
func (noopMetrics) RecordDisconnection(string)          {}
func (noopMetrics) RecordCommand(string, time.Duration) {}
func (noopMetrics) RecordDelivery(string, int)          {}
func (noopMetrics) RecordOfflineQueued(string)          {}
func (noopMetrics) RecordEviction()                     {}
func (noopMetrics) RecordPresence(bool)                 {}
func (noopMetrics) RecordSnapshot(time.Duration, error) {}
