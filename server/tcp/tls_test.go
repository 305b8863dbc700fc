// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/absmach/mombroker/broker"
	"github.com/absmach/mombroker/client"
	"github.com/absmach/mombroker/internal/tlsconfig"
	"github.com/absmach/mombroker/internal/tlsconfig/tlstest"
	"github.com/absmach/mombroker/protocol"
	"github.com/absmach/mombroker/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTLSBroker(t *testing.T, certs *tlstest.Certs, clientAuth string) *Server {
	t.Helper()

	cfg := tlsconfig.Config{
		Enabled:    true,
		CertFile:   certs.ServerCertFile,
		KeyFile:    certs.ServerKeyFile,
		ClientAuth: clientAuth,
	}
	if clientAuth != tlsconfig.ClientAuthNone {
		cfg.CAFile = certs.CAFile
	}
	tlsCfg, err := tlsconfig.Load(cfg)
	require.NoError(t, err)

	b := broker.New(broker.Options{Gateway: memory.New(), Logger: quietLogger(), HeartbeatInterval: time.Hour})
	b.Start(context.Background())
	t.Cleanup(func() { b.Close() })

	return startServer(t, Config{TLSConfig: tlsCfg, Framing: protocol.FramingLine}, b)
}

// login dials with tlsCfg and creates user. Handshake failures may surface
// at dial time or on the first exchange.
func login(server *Server, tlsCfg *tls.Config, user string) error {
	ctx := context.Background()
	c, err := client.Dial(ctx, client.Options{
		Address:      server.Addr().String(),
		Framing:      protocol.FramingLine,
		TLSConfig:    tlsCfg,
		LoginTimeout: time.Second,
		Logger:       quietLogger(),
	})
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Create(ctx, user)
}

func TestTLSServerAuth(t *testing.T) {
	certs := tlstest.Generate(t)
	server := startTLSBroker(t, certs, tlsconfig.ClientAuthNone)

	assert.NoError(t, login(server, certs.ClientConfig(t, false), "alice"))

	untrusted := &tls.Config{ServerName: "localhost", MinVersion: tls.VersionTLS12}
	assert.Error(t, login(server, untrusted, "bob"))

	assert.Error(t, login(server, nil, "carol"), "plain TCP against a TLS listener")
}

func TestTLSClientAuth(t *testing.T) {
	certs := tlstest.Generate(t)

	tests := []struct {
		name       string
		clientAuth string
		withCert   bool
		wantErr    bool
	}{
		{name: "require with certificate", clientAuth: tlsconfig.ClientAuthRequire, withCert: true},
		{name: "require without certificate", clientAuth: tlsconfig.ClientAuthRequire, wantErr: true},
		{name: "request with certificate", clientAuth: tlsconfig.ClientAuthRequest, withCert: true},
		{name: "request without certificate", clientAuth: tlsconfig.ClientAuthRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := startTLSBroker(t, certs, tt.clientAuth)
			err := login(server, certs.ClientConfig(t, tt.withCert), "alice")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
