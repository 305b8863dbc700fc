// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

const (
	dmPrefix    = "[DM from "
	topicPrefix = "[Topic "
)

// replyKeywords start every reply the broker pushes. Longer keywords that
// contain shorter ones come first.
var replyKeywords = []string{
	LoginOKExistingPrefix,
	LoginOKNew,
	LoginFail,
	offlinePrefix,
	dmPrefix,
	topicPrefix,
	statusPrefix,
	typingPrefix,
	deliveredPrefix,
	sentPrefix,
	unsubscribedPrefix,
	subscribedPrefix,
	protocolErrorPrefix,
}

// ReplySplitter recovers individual replies from raw-framed reads, where
// consecutive unterminated replies may arrive in one chunk.
//
// Reply bodies are free text, so a body that itself contains a reply
// keyword is cut there. Line framing has no such ambiguity.
type ReplySplitter struct {
	maxSize int
	pending string
}

// NewReplySplitter returns a splitter that holds back at most maxSize bytes
// of an incomplete login payload.
func NewReplySplitter(maxSize int) *ReplySplitter {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &ReplySplitter{maxSize: maxSize}
}

// Split returns the complete replies in chunk, in order. A login payload cut
// short by the read is kept and completed by the following chunks.
func (s *ReplySplitter) Split(chunk string) []string {
	rest := s.pending + chunk
	s.pending = ""

	var replies []string
	for rest != "" {
		n, complete := replyLen(rest)
		if !complete && len(rest) < s.maxSize {
			s.pending = rest
			break
		}
		replies = append(replies, rest[:n])
		rest = rest[n:]
	}
	return replies
}

// replyLen returns the length of the reply at the start of s. It reports
// false when s holds the beginning of a login payload that is not finished.
func replyLen(s string) (int, bool) {
	switch {
	case strings.HasPrefix(s, LoginOKExistingPrefix):
		dec := json.NewDecoder(strings.NewReader(s[len(LoginOKExistingPrefix):]))
		var raw json.RawMessage
		err := dec.Decode(&raw)
		switch {
		case err == nil:
			return len(LoginOKExistingPrefix) + int(dec.InputOffset()), true
		case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
			return len(s), false
		default:
			return len(s), true
		}
	case strings.HasPrefix(s, Ping):
		return len(Ping), true
	case strings.HasPrefix(s, LoginOKNew):
		return len(LoginOKNew), true
	case strings.HasPrefix(s, LoginFail):
		return len(LoginFail), true
	}

	from := 1
	if kw := keywordAt(s, 0); kw != "" {
		from = len(kw)
		// The replayed message follows the offline marker directly.
		if kw == offlinePrefix {
			if inner := keywordAt(s, from); inner != "" {
				from += len(inner)
			}
		}
	}
	for i := from; i < len(s); i++ {
		if boundaryAt(s, i) {
			return i, true
		}
	}
	return len(s), true
}

func keywordAt(s string, i int) string {
	for _, kw := range replyKeywords {
		if strings.HasPrefix(s[i:], kw) {
			return kw
		}
	}
	return ""
}

// boundaryAt reports whether a new reply starts at s[i]. PING only counts
// when nothing but other replies follow it, so words such as "SHIPPING"
// stay intact.
func boundaryAt(s string, i int) bool {
	if keywordAt(s, i) != "" {
		return true
	}
	if !strings.HasPrefix(s[i:], Ping) {
		return false
	}
	next := i + len(Ping)
	return next == len(s) || boundaryAt(s, next)
}
