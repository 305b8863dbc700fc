// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplySplitterSplit(t *testing.T) {
	dm := FormatDirectMessage("alice", "hi", "10:00")
	login, err := LoginOKExisting(LoginPayload{
		DMs:       []string{"alice"},
		DMHistory: map[string][]string{"alice|bob": {dm, "STATUS:x PING"}},
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		chunk string
		want  []string
	}{
		{
			name:  "single reply",
			chunk: Sent("hi"),
			want:  []string{"SENT:hi"},
		},
		{
			name:  "backlog then login then ping",
			chunk: Offline(dm) + Offline(dm) + login + Ping,
			want:  []string{Offline(dm), Offline(dm), login, Ping},
		},
		{
			name:  "status followed by ping",
			chunk: Status("carol", true) + Ping,
			want:  []string{"STATUS:carol:ONLINE", Ping},
		},
		{
			name:  "ping inside a body",
			chunk: FormatDirectMessage("alice", "SHIPPING soon", "1:00 PM"),
			want:  []string{"[DM from alice] SHIPPING soon @1:00 PM"},
		},
		{
			name:  "unsubscribed then subscribed",
			chunk: Unsubscribed("news") + Subscribed("sports"),
			want:  []string{"UNSUBSCRIBED:news", "SUBSCRIBED:sports"},
		},
		{
			name:  "new login then status",
			chunk: LoginOKNew + Status("bob", true) + LoginFail,
			want:  []string{LoginOKNew, "STATUS:bob:ONLINE", LoginFail},
		},
		{
			name:  "topic message then delivery receipt",
			chunk: FormatTopicMessage("news", "carol", "hi") + Delivered("yo") + TypingIndicator("dave"),
			want:  []string{"[Topic news from carol] hi", "DELIVERED:yo", "TYPING_INDICATOR:dave"},
		},
		{
			name:  "unknown text stays whole",
			chunk: "Queue jobs added",
			want:  []string{"Queue jobs added"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewReplySplitter(0)
			assert.Equal(t, tt.want, s.Split(tt.chunk))
		})
	}
}

func TestReplySplitterCompletesLoginPayload(t *testing.T) {
	login, err := LoginOKExisting(LoginPayload{Topics: []string{"news", "sports"}})
	require.NoError(t, err)

	cut := len(login) - 5
	s := NewReplySplitter(0)

	assert.Equal(t, []string{Offline("[DM from alice] hi @1")}, s.Split(Offline("[DM from alice] hi @1")+login[:cut]))
	assert.Equal(t, []string{login, Ping}, s.Split(login[cut:]+Ping))

	p, err := ParseLoginOKExisting(login)
	require.NoError(t, err)
	assert.Equal(t, []string{"news", "sports"}, p.Topics)
}

func TestReplySplitterGivesUpOnOversizedPayload(t *testing.T) {
	s := NewReplySplitter(24)
	chunk := LoginOKExistingPrefix + `{"topics":["a","b","c"`
	assert.Equal(t, []string{chunk}, s.Split(chunk))
	assert.Equal(t, []string{Ping}, s.Split(Ping))
}
