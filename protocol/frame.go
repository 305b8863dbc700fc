// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize matches the largest chunk a single read delivers.
const DefaultMaxFrameSize = 64 * 1024

// ErrFrameTooLarge is returned by line framing when no delimiter arrives in time.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Framing selects how a byte stream is cut into command frames.
type Framing string

const (
	// FramingRaw treats whatever one read delivers as one command and writes
	// replies with no terminator. This is the historical wire behaviour.
	FramingRaw Framing = "raw"
	// FramingLine uses '\n' to delimit both commands and replies.
	FramingLine Framing = "line"
)

// ParseFraming converts a configuration value into a Framing.
func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case "", FramingRaw:
		return FramingRaw, nil
	case FramingLine:
		return FramingLine, nil
	default:
		return "", fmt.Errorf("unknown framing %q", s)
	}
}

// FrameReader yields one inbound command frame per call.
type FrameReader interface {
	ReadFrame() (string, error)
}

// NewFrameReader wraps r with the requested framing.
func NewFrameReader(r io.Reader, framing Framing, maxSize int) FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	if framing == FramingLine {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, min(4096, maxSize)), maxSize)
		return &lineReader{sc: sc}
	}
	return &rawReader{r: r, buf: make([]byte, maxSize)}
}

// Encode serializes an outgoing reply.
func Encode(framing Framing, reply string) []byte {
	if framing == FramingLine {
		b := make([]byte, 0, len(reply)+1)
		b = append(b, reply...)
		return append(b, '\n')
	}
	return []byte(reply)
}

type rawReader struct {
	r   io.Reader
	buf []byte
	err error
}

func (f *rawReader) ReadFrame() (string, error) {
	if f.err != nil {
		return "", f.err
	}

	n, err := f.r.Read(f.buf)
	if n > 0 {
		// Data that arrived together with an error is still a command;
		// the error surfaces on the next call.
		f.err = err
		return string(f.buf[:n]), nil
	}
	if err == nil {
		err = io.EOF
	}
	f.err = err
	return "", err
}

type lineReader struct {
	sc *bufio.Scanner
}

func (f *lineReader) ReadFrame() (string, error) {
	if f.sc.Scan() {
		return f.sc.Text(), nil
	}
	if err := f.sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return "", ErrFrameTooLarge
		}
		return "", err
	}
	return "", io.EOF
}
