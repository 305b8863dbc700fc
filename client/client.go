// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client is a Go client for the broker's text protocol. It performs
// the login handshake, answers heartbeats and delivers pushed frames on a
// channel.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/absmach/mombroker/protocol"
)

const timestampLayout = "3:04 PM"

// Client is one broker connection acting for one user.
type Client struct {
	opts   Options
	conn   net.Conn
	state  *stateManager
	reader protocol.FrameReader
	// splitter is set for raw framing, where replies arrive unterminated.
	splitter *protocol.ReplySplitter
	logger   *slog.Logger

	mu   sync.RWMutex
	user string

	wmu       sync.Mutex
	inbound   chan Message
	loginCh   chan string
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type contextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dial connects to the broker at opts.Address.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.applyDefaults()
	nd := &net.Dialer{Timeout: opts.ConnectTimeout}
	var d contextDialer = nd
	if opts.TLSConfig != nil {
		d = &tls.Dialer{NetDialer: nd, Config: opts.TLSConfig}
	}
	conn, err := d.DialContext(ctx, "tcp", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Address, err)
	}
	return New(conn, opts), nil
}

// New wraps an established connection and starts reading from it.
func New(conn net.Conn, opts Options) *Client {
	opts.applyDefaults()

	c := &Client{
		opts:    opts,
		conn:    conn,
		state:   newStateManager(),
		reader:  protocol.NewFrameReader(conn, opts.Framing, opts.MaxFrameSize),
		logger:  opts.Logger,
		inbound: make(chan Message, opts.MessageChanSize),
		loginCh: make(chan string, 1),
		done:    make(chan struct{}),
	}
	if opts.Framing == protocol.FramingRaw {
		c.splitter = protocol.NewReplySplitter(opts.MaxFrameSize)
	}
	go c.readLoop()
	return c
}

// Messages delivers every pushed frame other than login replies and PING.
// It is closed when the connection ends.
func (c *Client) Messages() <-chan Message { return c.inbound }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// State returns the current session state.
func (c *Client) State() State { return c.state.get() }

// User returns the name bound by the last successful Create or Login.
func (c *Client) User() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// Create registers name and binds this connection to it.
func (c *Client) Create(ctx context.Context, name string) error {
	reply, err := c.handshake(ctx, protocol.KeywordCreateUser, name)
	if err != nil {
		return err
	}
	if reply != protocol.LoginOKNew {
		c.abortLogin()
		return fmt.Errorf("%w: unexpected reply %q", ErrLoginFailed, reply)
	}
	c.setUser(name)
	return nil
}

// Login binds this connection to an existing user and returns the replayed
// history. Messages queued while the user was offline arrive on Messages
// before Login returns.
func (c *Client) Login(ctx context.Context, name string) (protocol.LoginPayload, error) {
	reply, err := c.handshake(ctx, protocol.KeywordLoginUser, name)
	if err != nil {
		return protocol.LoginPayload{}, err
	}
	payload, err := protocol.ParseLoginOKExisting(reply)
	if err != nil {
		c.abortLogin()
		return protocol.LoginPayload{}, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	c.setUser(name)
	return payload, nil
}

// handshake sends a login command and waits for LOGIN_OK or LOGIN_FAIL.
func (c *Client) handshake(ctx context.Context, keyword, name string) (string, error) {
	if !validField(name) || strings.Contains(name, "|") {
		return "", fmt.Errorf("%w: user name %q", ErrInvalidArgument, name)
	}

	if !c.state.transitionFrom(StateLoggingIn, StateConnected, StateLoggedIn) {
		if c.state.isClosed() {
			return "", ErrClientClosed
		}
		return "", ErrLoginInProgress
	}
	reply, err := c.awaitLogin(ctx, keyword+name)
	if err != nil {
		c.abortLogin()
		return "", err
	}
	return reply, nil
}

// abortLogin restores the state held before a failed handshake.
func (c *Client) abortLogin() {
	prev := StateConnected
	if c.User() != "" {
		prev = StateLoggedIn
	}
	c.state.transition(StateLoggingIn, prev)
}

func (c *Client) awaitLogin(ctx context.Context, cmd string) (string, error) {
	select {
	case <-c.loginCh:
	default:
	}

	if err := c.send(cmd); err != nil {
		return "", err
	}

	timer := time.NewTimer(c.opts.LoginTimeout)
	defer timer.Stop()

	select {
	case reply := <-c.loginCh:
		if reply == protocol.LoginFail {
			return "", ErrLoginFailed
		}
		return reply, nil
	case <-timer.C:
		return "", ErrLoginTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", ErrClientClosed
	}
}

// SendDM sends a direct message stamped with the local wall-clock time.
func (c *Client) SendDM(to, body string) error {
	user, err := c.loggedIn()
	if err != nil {
		return err
	}
	if !validField(to) || !c.validBody(body) {
		return ErrInvalidArgument
	}
	ts := time.Now().Format(timestampLayout)
	return c.send(protocol.KeywordMessage + user + ":" + to + ":" + ts + ":" + body)
}

// Typing tells to that this user is typing.
func (c *Client) Typing(to string) error {
	user, err := c.loggedIn()
	if err != nil {
		return err
	}
	if !validField(to) {
		return ErrInvalidArgument
	}
	return c.send(protocol.KeywordTyping + user + ":" + to)
}

// PublishTopic broadcasts body on topic. The broker subscribes the sender.
func (c *Client) PublishTopic(topic, body string) error {
	user, err := c.loggedIn()
	if err != nil {
		return err
	}
	if !validField(topic) || !c.validBody(body) {
		return ErrInvalidArgument
	}
	return c.send(protocol.KeywordTopicMsg + user + ":" + topic + ":" + body)
}

func (c *Client) Subscribe(topic string) error {
	return c.topicCommand(protocol.KeywordSubscribe, topic)
}

func (c *Client) Unsubscribe(topic string) error {
	return c.topicCommand(protocol.KeywordUnsubscribe, topic)
}

func (c *Client) topicCommand(keyword, topic string) error {
	user, err := c.loggedIn()
	if err != nil {
		return err
	}
	if !validField(topic) {
		return ErrInvalidArgument
	}
	return c.send(keyword + user + ":" + topic)
}

// Close ends the connection. Messages is closed once the read loop exits.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	<-c.done
	return c.closeErr
}

func (c *Client) readLoop() {
	defer close(c.inbound)
	defer close(c.done)
	defer c.state.set(StateClosed)

	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			c.logger.Debug("client read loop ended", slog.String("error", err.Error()))
			return
		}
		if c.splitter == nil {
			c.handle(frame)
			continue
		}
		for _, reply := range c.splitter.Split(frame) {
			c.handle(reply)
		}
	}
}

func (c *Client) handle(frame string) {
	switch {
	case frame == protocol.Ping:
		if user := c.User(); user != "" {
			if err := c.send(protocol.KeywordPong + user); err != nil {
				c.logger.Warn("failed to answer heartbeat", slog.String("error", err.Error()))
			}
		}
	case frame == protocol.LoginFail, strings.HasPrefix(frame, "LOGIN_OK"):
		select {
		case c.loginCh <- frame:
		default:
			c.logger.Debug("unsolicited login reply dropped", slog.String("reply", frame))
		}
	default:
		select {
		case c.inbound <- ParseMessage(frame):
		default:
			c.logger.Warn("inbound buffer full, message dropped", slog.Int("size", len(frame)))
		}
	}
}

func (c *Client) send(cmd string) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(protocol.Encode(c.opts.Framing, cmd)); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	return nil
}

func (c *Client) setUser(name string) {
	c.mu.Lock()
	c.user = name
	c.mu.Unlock()
	c.state.transition(StateLoggingIn, StateLoggedIn)
}

func (c *Client) loggedIn() (string, error) {
	user := c.User()
	if user == "" {
		return "", ErrNotLoggedIn
	}
	return user, nil
}

// validBody rejects bodies that would split into several frames.
func (c *Client) validBody(body string) bool {
	return c.opts.Framing != protocol.FramingLine || !strings.Contains(body, "\n")
}

func validField(s string) bool {
	return strings.TrimSpace(s) != "" && !strings.ContainsAny(s, ":\n")
}
