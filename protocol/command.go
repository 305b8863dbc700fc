// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Command keywords. Matching is case-sensitive on the keyword prefix.
const (
	KeywordCreateUser  = "CREATE_USER:"
	KeywordLoginUser   = "LOGIN_USER:"
	KeywordPong        = "PONG:"
	KeywordTyping      = "TYPING:"
	KeywordMessage     = "MSG:"
	KeywordTopicMsg    = "TOPIC_MSG:"
	KeywordSubscribe   = "SUBSCRIBE:"
	KeywordUnsubscribe = "UNSUBSCRIBE:"
	KeywordAddQueue    = "ADD_QUEUE:"
	KeywordAddTopic    = "ADD_TOPIC:"
	KeywordListQueues  = "LIST_QUEUES"
	KeywordListTopics  = "LIST_TOPICS"
)

const delimiter = ":"

// Kind identifies a command variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindCreateUser
	KindLoginUser
	KindPong
	KindTyping
	KindDirectMessage
	KindTopicMessage
	KindSubscribe
	KindUnsubscribe
	KindAddQueue
	KindAddTopic
	KindListQueues
	KindListTopics
)

var kindNames = map[Kind]string{
	KindUnknown:       "unknown",
	KindCreateUser:    "create_user",
	KindLoginUser:     "login_user",
	KindPong:          "pong",
	KindTyping:        "typing",
	KindDirectMessage: "msg",
	KindTopicMessage:  "topic_msg",
	KindSubscribe:     "subscribe",
	KindUnsubscribe:   "unsubscribe",
	KindAddQueue:      "add_queue",
	KindAddTopic:      "add_topic",
	KindListQueues:    "list_queues",
	KindListTopics:    "list_topics",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Command is a decoded protocol command.
type Command interface {
	Kind() Kind
}

// Mutating reports whether successfully handling cmd changes durable state.
func Mutating(cmd Command) bool {
	switch cmd.Kind() {
	case KindCreateUser, KindLoginUser, KindDirectMessage, KindTopicMessage,
		KindSubscribe, KindUnsubscribe, KindAddQueue, KindAddTopic:
		return true
	default:
		return false
	}
}

type CreateUser struct{ Name string }

type LoginUser struct{ Name string }

type Pong struct{ Name string }

type Typing struct {
	Sender string
	Target string
}

type DirectMessage struct {
	Sender    string
	Recipient string
	Timestamp string
	Body      string
}

type TopicMessage struct {
	Sender string
	Topic  string
	Body   string
}

type Subscribe struct {
	User  string
	Topic string
}

type Unsubscribe struct {
	User  string
	Topic string
}

type AddQueue struct{ Name string }

type AddTopic struct{ Name string }

type ListQueues struct{}

type ListTopics struct{}

// Unknown is the explicit decision point for frames that are not a valid command.
type Unknown struct {
	Raw    string
	Reason string
}

func (CreateUser) Kind() Kind    { return KindCreateUser }
func (LoginUser) Kind() Kind     { return KindLoginUser }
func (Pong) Kind() Kind          { return KindPong }
func (Typing) Kind() Kind        { return KindTyping }
func (DirectMessage) Kind() Kind { return KindDirectMessage }
func (TopicMessage) Kind() Kind  { return KindTopicMessage }
func (Subscribe) Kind() Kind     { return KindSubscribe }
func (Unsubscribe) Kind() Kind   { return KindUnsubscribe }
func (AddQueue) Kind() Kind      { return KindAddQueue }
func (AddTopic) Kind() Kind      { return KindAddTopic }
func (ListQueues) Kind() Kind    { return KindListQueues }
func (ListTopics) Kind() Kind    { return KindListTopics }
func (Unknown) Kind() Kind       { return KindUnknown }

// Reasons carried by Unknown.
const (
	ReasonInvalidUTF8     = "invalid utf-8"
	ReasonUnrecognized    = "unrecognized command"
	ReasonFieldCount      = "wrong field count"
	ReasonInvalidUsername = "invalid username"
	ReasonEmptyField      = "empty field"
	ReasonRateLimited     = "rate limited"
)

// clockPrefix matches a wall-clock timestamp such as "10:00", "10:00:05"
// or "9:41 AM" followed by the field delimiter.
var clockPrefix = regexp.MustCompile(`(?s)^(\d{1,2}:\d{2}(?::\d{2})?(?:\s?[AaPp][Mm])?):(.*)$`)

// Parse decodes a single frame. It never fails: frames that are not a
// well-formed command come back as Unknown with a reason.
func Parse(frame string) Command {
	if !utf8.ValidString(frame) {
		return Unknown{Raw: frame, Reason: ReasonInvalidUTF8}
	}
	frame = strings.TrimRight(frame, "\r\n")

	switch {
	case strings.HasPrefix(frame, KeywordPong):
		name := strings.TrimPrefix(frame, KeywordPong)
		if !validUsername(name) {
			return Unknown{Raw: frame, Reason: ReasonInvalidUsername}
		}
		return Pong{Name: name}

	case strings.HasPrefix(frame, KeywordCreateUser):
		name := strings.TrimPrefix(frame, KeywordCreateUser)
		if !validUsername(name) {
			return Unknown{Raw: frame, Reason: ReasonInvalidUsername}
		}
		return CreateUser{Name: name}

	case strings.HasPrefix(frame, KeywordLoginUser):
		name := strings.TrimPrefix(frame, KeywordLoginUser)
		if !validUsername(name) {
			return Unknown{Raw: frame, Reason: ReasonInvalidUsername}
		}
		return LoginUser{Name: name}

	case strings.HasPrefix(frame, KeywordTyping):
		parts := strings.Split(strings.TrimPrefix(frame, KeywordTyping), delimiter)
		if len(parts) != 2 {
			return Unknown{Raw: frame, Reason: ReasonFieldCount}
		}
		if parts[0] == "" || parts[1] == "" {
			return Unknown{Raw: frame, Reason: ReasonEmptyField}
		}
		return Typing{Sender: parts[0], Target: parts[1]}

	case strings.HasPrefix(frame, KeywordMessage):
		return parseDirectMessage(frame)

	case strings.HasPrefix(frame, KeywordTopicMsg):
		parts := strings.SplitN(strings.TrimPrefix(frame, KeywordTopicMsg), delimiter, 3)
		if len(parts) != 3 {
			return Unknown{Raw: frame, Reason: ReasonFieldCount}
		}
		if parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return Unknown{Raw: frame, Reason: ReasonEmptyField}
		}
		return TopicMessage{Sender: parts[0], Topic: parts[1], Body: parts[2]}

	case strings.HasPrefix(frame, KeywordSubscribe):
		user, topic, ok := userAndTopic(strings.TrimPrefix(frame, KeywordSubscribe))
		if !ok {
			return Unknown{Raw: frame, Reason: ReasonFieldCount}
		}
		return Subscribe{User: user, Topic: topic}

	case strings.HasPrefix(frame, KeywordUnsubscribe):
		user, topic, ok := userAndTopic(strings.TrimPrefix(frame, KeywordUnsubscribe))
		if !ok {
			return Unknown{Raw: frame, Reason: ReasonFieldCount}
		}
		return Unsubscribe{User: user, Topic: topic}

	case strings.HasPrefix(frame, KeywordAddQueue):
		name := strings.TrimPrefix(frame, KeywordAddQueue)
		if name == "" {
			return Unknown{Raw: frame, Reason: ReasonEmptyField}
		}
		return AddQueue{Name: name}

	case strings.HasPrefix(frame, KeywordAddTopic):
		name := strings.TrimPrefix(frame, KeywordAddTopic)
		if name == "" {
			return Unknown{Raw: frame, Reason: ReasonEmptyField}
		}
		return AddTopic{Name: name}

	case frame == KeywordListQueues:
		return ListQueues{}

	case frame == KeywordListTopics:
		return ListTopics{}
	}

	return Unknown{Raw: frame, Reason: ReasonUnrecognized}
}

// parseDirectMessage splits MSG:<sender>:<recipient>:<ts>:<body>. Only the
// first three delimiters are significant, except that a leading wall-clock
// timestamp keeps its own colons.
func parseDirectMessage(frame string) Command {
	parts := strings.SplitN(strings.TrimPrefix(frame, KeywordMessage), delimiter, 3)
	if len(parts) != 3 {
		return Unknown{Raw: frame, Reason: ReasonFieldCount}
	}
	sender, recipient, rest := parts[0], parts[1], parts[2]

	var ts, body string
	if m := clockPrefix.FindStringSubmatch(rest); m != nil {
		ts, body = m[1], m[2]
	} else {
		tail := strings.SplitN(rest, delimiter, 2)
		if len(tail) != 2 {
			return Unknown{Raw: frame, Reason: ReasonFieldCount}
		}
		ts, body = tail[0], tail[1]
	}

	if sender == "" || recipient == "" || body == "" {
		return Unknown{Raw: frame, Reason: ReasonEmptyField}
	}
	return DirectMessage{Sender: sender, Recipient: recipient, Timestamp: ts, Body: body}
}

// userAndTopic accepts both "<_>:<user>:<topic>" and "<user>:<topic>".
func userAndTopic(args string) (string, string, bool) {
	parts := strings.Split(args, delimiter)
	var user, topic string
	switch len(parts) {
	case 3:
		user, topic = parts[1], parts[2]
	case 2:
		user, topic = parts[0], parts[1]
	default:
		return "", "", false
	}
	if user == "" || topic == "" {
		return "", "", false
	}
	return user, topic, true
}

func validUsername(name string) bool {
	return name != "" && !strings.ContainsAny(name, ":|")
}
