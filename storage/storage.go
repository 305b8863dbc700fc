// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrNotFound is returned by Load when no snapshot has been saved yet.
	ErrNotFound = errors.New("snapshot not found")
	// ErrCorrupt is returned by Load when a stored snapshot cannot be decoded.
	ErrCorrupt = errors.New("snapshot is corrupt")
	ErrClosed  = errors.New("gateway is closed")
)

// Gateway persists broker snapshots. Implementations must serialize
// concurrent Save calls.
type Gateway interface {
	// Save replaces the stored snapshot with s.
	Save(ctx context.Context, s *Snapshot) error

	// Load returns the last saved snapshot, ErrNotFound when there is none,
	// or an error wrapping ErrCorrupt when it cannot be decoded.
	Load(ctx context.Context) (*Snapshot, error)

	// Close releases backend resources.
	Close() error
}

// Queue is a persisted named queue.
type Queue struct {
	Name     string   `json:"name"`
	Messages []string `json:"messages"`
}

// Topic is a persisted topic and its subscribers.
type Topic struct {
	Name        string   `json:"name"`
	Subscribers []string `json:"subscribers"`
}

// Snapshot is the durable image of the domain store. Live sessions are never
// part of it.
type Snapshot struct {
	Queues          []Queue             `json:"queues"`
	Topics          []Topic             `json:"topics"`
	Users           []string            `json:"users"`
	OfflineMessages map[string][]string `json:"offlineMessages"`
	DMContacts      map[string][]string `json:"dmContacts"`
	DMHistory       map[string][]string `json:"dmHistory"`
	TopicHistory    map[string][]string `json:"topicHistory"`
}

// Section names used by backends that store a snapshot piecewise.
const (
	SectionQueues          = "queues"
	SectionTopics          = "topics"
	SectionUsers           = "users"
	SectionOfflineMessages = "offlineMessages"
	SectionDMContacts      = "dmContacts"
	SectionDMHistory       = "dmHistory"
	SectionTopicHistory    = "topicHistory"
)

// Sections lists every snapshot section in a stable order.
var Sections = []string{
	SectionQueues,
	SectionTopics,
	SectionUsers,
	SectionOfflineMessages,
	SectionDMContacts,
	SectionDMHistory,
	SectionTopicHistory,
}

// Normalize replaces nil collections with empty ones so encoded snapshots
// always carry every field.
func (s *Snapshot) Normalize() {
	if s.Queues == nil {
		s.Queues = []Queue{}
	}
	if s.Topics == nil {
		s.Topics = []Topic{}
	}
	if s.Users == nil {
		s.Users = []string{}
	}
	if s.OfflineMessages == nil {
		s.OfflineMessages = map[string][]string{}
	}
	if s.DMContacts == nil {
		s.DMContacts = map[string][]string{}
	}
	if s.DMHistory == nil {
		s.DMHistory = map[string][]string{}
	}
	if s.TopicHistory == nil {
		s.TopicHistory = map[string][]string{}
	}
}

// EncodeSections marshals each snapshot section to JSON.
func EncodeSections(s *Snapshot) (map[string][]byte, error) {
	s.Normalize()
	fields := map[string]any{
		SectionQueues:          s.Queues,
		SectionTopics:          s.Topics,
		SectionUsers:           s.Users,
		SectionOfflineMessages: s.OfflineMessages,
		SectionDMContacts:      s.DMContacts,
		SectionDMHistory:       s.DMHistory,
		SectionTopicHistory:    s.TopicHistory,
	}

	out := make(map[string][]byte, len(fields))
	for name, v := range fields {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode section %s: %w", name, err)
		}
		out[name] = data
	}
	return out, nil
}

// DecodeSections rebuilds a snapshot from per-section JSON. Missing sections
// decode as empty; undecodable ones yield ErrCorrupt.
func DecodeSections(sections map[string][]byte) (*Snapshot, error) {
	s := &Snapshot{}
	targets := map[string]any{
		SectionQueues:          &s.Queues,
		SectionTopics:          &s.Topics,
		SectionUsers:           &s.Users,
		SectionOfflineMessages: &s.OfflineMessages,
		SectionDMContacts:      &s.DMContacts,
		SectionDMHistory:       &s.DMHistory,
		SectionTopicHistory:    &s.TopicHistory,
	}
	for name, target := range targets {
		data, ok := sections[name]
		if !ok || len(data) == 0 {
			continue
		}
		if err := json.Unmarshal(data, target); err != nil {
			return nil, fmt.Errorf("%w: section %s: %v", ErrCorrupt, name, err)
		}
	}
	s.Normalize()
	return s, nil
}
