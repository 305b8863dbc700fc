// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/absmach/mombroker/protocol"
	"github.com/google/uuid"
)

// ErrConnClosed is returned when sending on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is a client connection as seen by the broker. Every transport
// (TCP, WebSocket) provides one.
type Conn interface {
	// ID uniquely identifies the connection for its lifetime.
	ID() string
	// ReadFrame blocks until the next inbound command frame arrives.
	ReadFrame() (string, error)
	// Send writes one reply. Safe for concurrent use.
	Send(reply string) error
	RemoteAddr() net.Addr
	// Close is idempotent.
	Close() error
}

// StreamConn adapts a stream-oriented net.Conn to Conn using the configured framing.
type StreamConn struct {
	id           string
	conn         net.Conn
	reader       protocol.FrameReader
	framing      protocol.Framing
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

var _ Conn = (*StreamConn)(nil)

// NewStreamConn wraps conn. A zero writeTimeout disables write deadlines.
func NewStreamConn(conn net.Conn, framing protocol.Framing, maxFrame int, writeTimeout time.Duration) *StreamConn {
	return &StreamConn{
		id:           uuid.NewString(),
		conn:         conn,
		reader:       protocol.NewFrameReader(conn, framing, maxFrame),
		framing:      framing,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

func (c *StreamConn) ID() string { return c.id }

func (c *StreamConn) ReadFrame() (string, error) {
	return c.reader.ReadFrame()
}

func (c *StreamConn) Send(reply string) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if _, err := c.conn.Write(protocol.Encode(c.framing, reply)); err != nil {
		return fmt.Errorf("failed to write reply: %w", err)
	}
	return nil
}

func (c *StreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
