// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/absmach/mombroker/protocol"
)

// Default values.
const (
	DefaultLoginTimeout    = 2 * time.Second
	DefaultConnectTimeout  = 5 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultMessageChanSize = 256
)

// Options configures the client.
type Options struct {
	Address        string           // Broker address (host:port)
	Framing        protocol.Framing // Must match the broker's TCP framing
	MaxFrameSize   int              // Largest accepted reply
	ConnectTimeout time.Duration    // Timeout for the TCP dial
	WriteTimeout   time.Duration    // Timeout for each command write
	LoginTimeout   time.Duration    // Wait for LOGIN_OK or LOGIN_FAIL
	TLSConfig      *tls.Config      // Dial with TLS when set

	// MessageChanSize bounds Messages. Frames arriving while it is full are dropped.
	MessageChanSize int

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Framing == "" {
		o.Framing = protocol.FramingRaw
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = DefaultLoginTimeout
	}
	if o.MessageChanSize <= 0 {
		o.MessageChanSize = DefaultMessageChanSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
