// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeUserCreated       = "user.created"
	TypeUserOnline        = "user.online"
	TypeUserOffline       = "user.offline"
	TypeDMSent            = "dm.sent"
	TypeTopicPublished    = "topic.published"
	TypeTopicSubscribed   = "topic.subscribed"
	TypeTopicUnsubscribed = "topic.unsubscribed"
	TypeQueueCreated      = "queue.created"
	TypeTopicCreated      = "topic.created"
)

// Offline reasons.
const (
	ReasonDisconnect = "disconnect"
	ReasonTimeout    = "timeout"
	ReasonTakeover   = "takeover"
)

// Origins of administrative changes.
const (
	SourceProtocol  = "protocol"
	SourceDashboard = "dashboard"
)

// Event is the common interface for all broker events.
type Event interface {
	// Type returns the event type identifier (e.g., "user.online").
	Type() string

	// Topic returns the topic for topic events, empty for others.
	Topic() string

	// Wrap wraps the event in a common envelope with metadata.
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all delivered events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(*e)
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// UserCreated is emitted when a new user registers.
type UserCreated struct {
	User       string `json:"user"`
	Source     string `json:"source"`
	RemoteAddr string `json:"remote_addr,omitempty"`
}

func (e UserCreated) Type() string                   { return TypeUserCreated }
func (e UserCreated) Topic() string                  { return "" }
func (e UserCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// UserOnline is emitted when a user binds a connection.
type UserOnline struct {
	User       string `json:"user"`
	Existing   bool   `json:"existing"`
	Replayed   int    `json:"replayed_offline"`
	RemoteAddr string `json:"remote_addr,omitempty"`
}

func (e UserOnline) Type() string                   { return TypeUserOnline }
func (e UserOnline) Topic() string                  { return "" }
func (e UserOnline) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// UserOffline is emitted when a user's session ends.
type UserOffline struct {
	User   string `json:"user"`
	Reason string `json:"reason"`
}

func (e UserOffline) Type() string                   { return TypeUserOffline }
func (e UserOffline) Topic() string                  { return "" }
func (e UserOffline) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// DMSent is emitted for every direct message.
type DMSent struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Delivered bool   `json:"delivered"`
	BodySize  int    `json:"body_size"`
}

func (e DMSent) Type() string                   { return TypeDMSent }
func (e DMSent) Topic() string                  { return "" }
func (e DMSent) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// TopicPublished is emitted for every topic broadcast.
type TopicPublished struct {
	Sender    string `json:"sender"`
	TopicName string `json:"topic"`
	Delivered int    `json:"delivered"`
	Queued    int    `json:"queued"`
	BodySize  int    `json:"body_size"`
}

func (e TopicPublished) Type() string                   { return TypeTopicPublished }
func (e TopicPublished) Topic() string                  { return e.TopicName }
func (e TopicPublished) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// TopicSubscribed is emitted when a subscriber is added.
type TopicSubscribed struct {
	User      string `json:"user"`
	TopicName string `json:"topic"`
}

func (e TopicSubscribed) Type() string                   { return TypeTopicSubscribed }
func (e TopicSubscribed) Topic() string                  { return e.TopicName }
func (e TopicSubscribed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// TopicUnsubscribed is emitted when a subscriber is removed.
type TopicUnsubscribed struct {
	User      string `json:"user"`
	TopicName string `json:"topic"`
}

func (e TopicUnsubscribed) Type() string                   { return TypeTopicUnsubscribed }
func (e TopicUnsubscribed) Topic() string                  { return e.TopicName }
func (e TopicUnsubscribed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// QueueCreated is emitted when a queue is added explicitly.
type QueueCreated struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

func (e QueueCreated) Type() string                   { return TypeQueueCreated }
func (e QueueCreated) Topic() string                  { return "" }
func (e QueueCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// TopicCreated is emitted when a topic is created explicitly.
type TopicCreated struct {
	TopicName string `json:"topic"`
	Source    string `json:"source"`
}

func (e TopicCreated) Type() string                   { return TypeTopicCreated }
func (e TopicCreated) Topic() string                  { return e.TopicName }
func (e TopicCreated) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
