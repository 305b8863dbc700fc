// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Command
	}{
		{"create user", "CREATE_USER:alice", CreateUser{Name: "alice"}},
		{"create user trailing newline", "CREATE_USER:alice\r\n", CreateUser{Name: "alice"}},
		{"login user", "LOGIN_USER:bob", LoginUser{Name: "bob"}},
		{"pong", "PONG:bob", Pong{Name: "bob"}},
		{"typing", "TYPING:alice:bob", Typing{Sender: "alice", Target: "bob"}},
		{
			"dm with clock timestamp",
			"MSG:alice:bob:10:00:hello",
			DirectMessage{Sender: "alice", Recipient: "bob", Timestamp: "10:00", Body: "hello"},
		},
		{
			"dm with meridiem timestamp",
			"MSG:alice:bob:9:41 PM:see you: soon",
			DirectMessage{Sender: "alice", Recipient: "bob", Timestamp: "9:41 PM", Body: "see you: soon"},
		},
		{
			"dm body keeps delimiters",
			"MSG:alice:bob:1690000000:a:b:c",
			DirectMessage{Sender: "alice", Recipient: "bob", Timestamp: "1690000000", Body: "a:b:c"},
		},
		{
			"topic message body keeps delimiters",
			"TOPIC_MSG:carol:news:hi: there",
			TopicMessage{Sender: "carol", Topic: "news", Body: "hi: there"},
		},
		{"subscribe long form", "SUBSCRIBE:x:alice:news", Subscribe{User: "alice", Topic: "news"}},
		{"subscribe short form", "SUBSCRIBE:alice:news", Subscribe{User: "alice", Topic: "news"}},
		{"unsubscribe", "UNSUBSCRIBE:alice:news", Unsubscribe{User: "alice", Topic: "news"}},
		{"add queue", "ADD_QUEUE:jobs", AddQueue{Name: "jobs"}},
		{"add topic", "ADD_TOPIC:news", AddTopic{Name: "news"}},
		{"list queues", "LIST_QUEUES", ListQueues{}},
		{"list topics", "LIST_TOPICS", ListTopics{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Parse(tt.frame))
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name   string
		frame  string
		reason string
	}{
		{"unknown keyword", "HELLO:world", ReasonUnrecognized},
		{"lowercase keyword", "create_user:alice", ReasonUnrecognized},
		{"empty frame", "", ReasonUnrecognized},
		{"empty username", "CREATE_USER:", ReasonInvalidUsername},
		{"username with delimiter", "LOGIN_USER:a:b", ReasonInvalidUsername},
		{"typing missing target", "TYPING:alice", ReasonFieldCount},
		{"typing extra field", "TYPING:alice:bob:carol", ReasonFieldCount},
		{"dm missing body", "MSG:alice:bob", ReasonFieldCount},
		{"dm empty body", "MSG:alice:bob:10:", ReasonEmptyField},
		{"topic message missing body", "TOPIC_MSG:carol:news", ReasonFieldCount},
		{"subscribe missing topic", "SUBSCRIBE:alice", ReasonFieldCount},
		{"subscribe too many fields", "SUBSCRIBE:a:b:c:d", ReasonFieldCount},
		{"invalid utf8", string([]byte{0xff, 0xfe}), ReasonInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := Parse(tt.frame)
			unknown, ok := cmd.(Unknown)
			require.True(t, ok, "expected Unknown, got %T", cmd)
			assert.Equal(t, tt.reason, unknown.Reason)
			assert.Equal(t, KindUnknown, cmd.Kind())
		})
	}
}

func TestMutating(t *testing.T) {
	assert.True(t, Mutating(CreateUser{Name: "a"}))
	assert.True(t, Mutating(DirectMessage{}))
	assert.True(t, Mutating(AddQueue{Name: "q"}))
	assert.False(t, Mutating(Pong{Name: "a"}))
	assert.False(t, Mutating(Typing{}))
	assert.False(t, Mutating(ListTopics{}))
	assert.False(t, Mutating(Unknown{}))
}

func TestReplies(t *testing.T) {
	assert.Equal(t, "STATUS:alice:ONLINE", Status("alice", true))
	assert.Equal(t, "STATUS:alice:OFFLINE", Status("alice", false))
	assert.Equal(t, "TYPING_INDICATOR:alice", TypingIndicator("alice"))
	assert.Equal(t, "DELIVERED:hi", Delivered("hi"))
	assert.Equal(t, "SENT:hi", Sent("hi"))
	assert.Equal(t, "SUBSCRIBED:news", Subscribed("news"))
	assert.Equal(t, "[DM from alice] hello @10:00", FormatDirectMessage("alice", "hello", "10:00"))
	assert.Equal(t, "[Topic news from carol] hi", FormatTopicMessage("news", "carol", "hi"))
	assert.Equal(t, "[OFFLINE MSG] [DM from alice] hello @10:00", Offline(FormatDirectMessage("alice", "hello", "10:00")))
}

func TestLoginPayloadRoundTrip(t *testing.T) {
	reply, err := LoginOKExisting(LoginPayload{
		Topics:    []string{"news"},
		DMHistory: map[string][]string{"alice|bob": {"[DM from alice] hi @1"}},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply, LoginOKExistingPrefix))
	assert.Contains(t, reply, `"dms":[]`)
	assert.Contains(t, reply, `"topicHistory":{}`)

	p, err := ParseLoginOKExisting(reply)
	require.NoError(t, err)
	assert.Equal(t, LoginPayloadVersion, p.Version)
	assert.Equal(t, []string{"news"}, p.Topics)
	assert.Equal(t, []string{"[DM from alice] hi @1"}, p.DMHistory["alice|bob"])

	_, err = ParseLoginOKExisting(LoginOKNew)
	assert.ErrorIs(t, err, ErrNotLoginReply)
}

// chunkReader returns one chunk per Read call.
type chunkReader struct {
	chunks []string
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks = c.chunks[1:]
	return n, nil
}

func TestRawFrameReader(t *testing.T) {
	r := NewFrameReader(&chunkReader{chunks: []string{"CREATE_USER:alice", "PONG:alice"}}, FramingRaw, 0)

	frame, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "CREATE_USER:alice", frame)

	frame, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "PONG:alice", frame)

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)

	// Closure is sticky.
	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

type zeroReader struct{}

func (zeroReader) Read([]byte) (int, error) { return 0, nil }

func TestRawFrameReaderZeroByteReadCloses(t *testing.T) {
	r := NewFrameReader(zeroReader{}, FramingRaw, 16)
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineFrameReader(t *testing.T) {
	r := NewFrameReader(strings.NewReader("CREATE_USER:alice\r\nMSG:alice:bob:10:00:hi\nLIST_TOPICS"), FramingLine, 0)

	var frames []string
	for {
		f, err := r.ReadFrame()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
	assert.Equal(t, []string{"CREATE_USER:alice", "MSG:alice:bob:10:00:hi", "LIST_TOPICS"}, frames)
}

func TestLineFrameReaderTooLarge(t *testing.T) {
	r := NewFrameReader(bytes.NewReader(bytes.Repeat([]byte("a"), 128)), FramingLine, 32)
	_, err := r.ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestEncode(t *testing.T) {
	assert.Equal(t, []byte("PING"), Encode(FramingRaw, Ping))
	assert.Equal(t, []byte("PING\n"), Encode(FramingLine, Ping))
}

func TestParseFraming(t *testing.T) {
	f, err := ParseFraming("")
	require.NoError(t, err)
	assert.Equal(t, FramingRaw, f)

	f, err = ParseFraming("line")
	require.NoError(t, err)
	assert.Equal(t, FramingLine, f)

	_, err = ParseFraming("length")
	assert.Error(t, err)
}
