// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Fixed replies.
const (
	Ping                  = "PING"
	LoginOKNew            = "LOGIN_OK:NEW"
	LoginFail             = "LOGIN_FAIL"
	LoginOKExistingPrefix = "LOGIN_OK:EXISTING:"

	statusPrefix        = "STATUS:"
	typingPrefix        = "TYPING_INDICATOR:"
	deliveredPrefix     = "DELIVERED:"
	sentPrefix          = "SENT:"
	subscribedPrefix    = "SUBSCRIBED:"
	unsubscribedPrefix  = "UNSUBSCRIBED:"
	offlinePrefix       = "[OFFLINE MSG] "
	protocolErrorPrefix = "PROTOCOL_ERROR:"
)

// LoginPayloadVersion is the schema version carried by LOGIN_OK:EXISTING.
const LoginPayloadVersion = 1

// ErrNotLoginReply is returned when a frame is not a LOGIN_OK:EXISTING reply.
var ErrNotLoginReply = errors.New("not a login reply")

// Status announces a presence change.
func Status(user string, online bool) string {
	state := "OFFLINE"
	if online {
		state = "ONLINE"
	}
	return statusPrefix + user + ":" + state
}

func TypingIndicator(sender string) string { return typingPrefix + sender }

func Delivered(body string) string { return deliveredPrefix + body }

func Sent(body string) string { return sentPrefix + body }

func Subscribed(topic string) string { return subscribedPrefix + topic }

func Unsubscribed(topic string) string { return unsubscribedPrefix + topic }

// Offline marks a message replayed from the offline backlog.
func Offline(msg string) string { return offlinePrefix + msg }

func ProtocolError(reason string) string { return protocolErrorPrefix + reason }

// FormatDirectMessage renders a DM as stored in history and delivered to the recipient.
func FormatDirectMessage(sender, body, ts string) string {
	return fmt.Sprintf("[DM from %s] %s @%s", sender, body, ts)
}

// FormatTopicMessage renders a topic broadcast.
func FormatTopicMessage(topic, sender, body string) string {
	return fmt.Sprintf("[Topic %s from %s] %s", topic, sender, body)
}

func QueueAdded(name string) string { return "Queue " + name + " added" }

func TopicAdded(name string) string { return "Topic " + name + " added" }

// LoginPayload is the history replayed to an existing user on login.
// Within one key entries are oldest first.
type LoginPayload struct {
	Version      int                 `json:"version"`
	Topics       []string            `json:"topics"`
	DMs          []string            `json:"dms"`
	DMHistory    map[string][]string `json:"dmHistory"`
	TopicHistory map[string][]string `json:"topicHistory"`
}

// LoginOKExisting renders the login reply carrying the replay payload.
func LoginOKExisting(p LoginPayload) (string, error) {
	p.Version = LoginPayloadVersion
	if p.Topics == nil {
		p.Topics = []string{}
	}
	if p.DMs == nil {
		p.DMs = []string{}
	}
	if p.DMHistory == nil {
		p.DMHistory = map[string][]string{}
	}
	if p.TopicHistory == nil {
		p.TopicHistory = map[string][]string{}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal login payload: %w", err)
	}
	return LoginOKExistingPrefix + string(data), nil
}

// ParseLoginOKExisting extracts the replay payload from a login reply.
func ParseLoginOKExisting(reply string) (LoginPayload, error) {
	var p LoginPayload
	if !strings.HasPrefix(reply, LoginOKExistingPrefix) {
		return p, ErrNotLoginReply
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(reply, LoginOKExistingPrefix)), &p); err != nil {
		return p, fmt.Errorf("failed to parse login payload: %w", err)
	}
	return p, nil
}
