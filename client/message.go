// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"strings"
)

// MessageKind classifies a frame pushed by the broker.
type MessageKind int

const (
	KindOther MessageKind = iota
	KindDirect
	KindTopic
	KindStatus
	KindTyping
	KindDelivered
	KindSent
	KindSubscribed
	KindUnsubscribed
	KindProtocolError
)

// Message is one broker frame, decoded where the format is known.
type Message struct {
	Kind MessageKind
	// Raw is the frame as received.
	Raw string
	// From is the DM or topic sender, the typing user or the user whose
	// presence changed.
	From      string
	Topic     string
	Body      string
	Timestamp string
	Online    bool
	// Replayed marks messages drained from the offline backlog at login.
	Replayed bool
}

const (
	offlinePrefix = "[OFFLINE MSG] "
	dmPrefix      = "[DM from "
	topicPrefix   = "[Topic "
)

// ParseMessage decodes a broker frame. Unknown frames yield KindOther.
func ParseMessage(raw string) Message {
	if rest, ok := strings.CutPrefix(raw, offlinePrefix); ok {
		m := ParseMessage(rest)
		m.Raw = raw
		m.Replayed = true
		return m
	}

	m := Message{Kind: KindOther, Raw: raw}
	switch {
	case strings.HasPrefix(raw, "STATUS:"):
		rest := strings.TrimPrefix(raw, "STATUS:")
		i := strings.LastIndex(rest, ":")
		if i < 0 {
			return m
		}
		m.Kind = KindStatus
		m.From = rest[:i]
		m.Online = rest[i+1:] == "ONLINE"
	case strings.HasPrefix(raw, "TYPING_INDICATOR:"):
		m.Kind = KindTyping
		m.From = strings.TrimPrefix(raw, "TYPING_INDICATOR:")
	case strings.HasPrefix(raw, "DELIVERED:"):
		m.Kind = KindDelivered
		m.Body = strings.TrimPrefix(raw, "DELIVERED:")
	case strings.HasPrefix(raw, "SENT:"):
		m.Kind = KindSent
		m.Body = strings.TrimPrefix(raw, "SENT:")
	case strings.HasPrefix(raw, "SUBSCRIBED:"):
		m.Kind = KindSubscribed
		m.Topic = strings.TrimPrefix(raw, "SUBSCRIBED:")
	case strings.HasPrefix(raw, "UNSUBSCRIBED:"):
		m.Kind = KindUnsubscribed
		m.Topic = strings.TrimPrefix(raw, "UNSUBSCRIBED:")
	case strings.HasPrefix(raw, "PROTOCOL_ERROR:"):
		m.Kind = KindProtocolError
		m.Body = strings.TrimPrefix(raw, "PROTOCOL_ERROR:")
	case strings.HasPrefix(raw, dmPrefix):
		header, body, ok := strings.Cut(strings.TrimPrefix(raw, dmPrefix), "] ")
		if !ok {
			return m
		}
		m.Kind = KindDirect
		m.From = header
		m.Body = body
		if i := strings.LastIndex(body, " @"); i >= 0 {
			m.Body = body[:i]
			m.Timestamp = body[i+2:]
		}
	case strings.HasPrefix(raw, topicPrefix):
		header, body, ok := strings.Cut(strings.TrimPrefix(raw, topicPrefix), "] ")
		if !ok {
			return m
		}
		topic, sender, ok := strings.Cut(header, " from ")
		if !ok {
			return m
		}
		m.Kind = KindTopic
		m.Topic = topic
		m.From = sender
		m.Body = body
	}
	return m
}
